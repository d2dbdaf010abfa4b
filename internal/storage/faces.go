package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/glyphoxa/internal/domain"
)

// FaceStore is the repository for FaceIdentity/FacePhoto rows, grounded on
// the pgvector cosine-distance search pattern used for the text semantic
// index, applied here to 512-dimension face embeddings.
type FaceStore struct {
	db DB
}

// CreateIdentity inserts a new named face identity for a user.
func (s *FaceStore) CreateIdentity(ctx context.Context, userID, name string) (*domain.FaceIdentity, error) {
	id := &domain.FaceIdentity{ID: uuid.NewString(), UserID: userID, Name: name}
	const q = `INSERT INTO face_identities (id, user_id, name) VALUES ($1,$2,$3)`
	if _, err := s.db.Exec(ctx, q, id.ID, id.UserID, id.Name); err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("storage: face identity %q: %w", name, domain.ErrConflict)
		}
		return nil, fmt.Errorf("storage: create face identity: %w", err)
	}
	return id, nil
}

// AddPhoto attaches a new embedding + blob reference to an existing identity.
func (s *FaceStore) AddPhoto(ctx context.Context, identityID string, embedding []float32, blobID string) (*domain.FacePhoto, error) {
	p := &domain.FacePhoto{ID: uuid.NewString(), IdentityID: identityID, Embedding: embedding, PhotoBlob: blobID}
	vec := pgvector.NewVector(embedding)
	const q = `INSERT INTO face_photos (id, identity_id, embedding, photo_blob) VALUES ($1,$2,$3,$4)`
	if _, err := s.db.Exec(ctx, q, p.ID, p.IdentityID, vec, p.PhotoBlob); err != nil {
		return nil, fmt.Errorf("storage: add face photo: %w", err)
	}
	return p, nil
}

// DeleteIdentity removes an identity and cascades to its photos.
func (s *FaceStore) DeleteIdentity(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM face_identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete face identity: %w", err)
	}
	return nil
}

// FaceMatch is one nearest-neighbour result from MatchFace.
type FaceMatch struct {
	IdentityID string
	Name       string
	Distance   float64
}

// MatchFace returns the closest known identities to embedding, ordered by
// ascending cosine distance, restricted to userID's own identities.
func (s *FaceStore) MatchFace(ctx context.Context, userID string, embedding []float32, topK int) ([]FaceMatch, error) {
	if topK <= 0 {
		topK = 3
	}
	vec := pgvector.NewVector(embedding)
	const q = `
		SELECT fi.id, fi.name, fp.embedding <=> $1 AS distance
		FROM face_photos fp
		JOIN face_identities fi ON fi.id = fp.identity_id
		WHERE fi.user_id = $2
		ORDER BY distance
		LIMIT $3`
	rows, err := s.db.Query(ctx, q, vec, userID, topK)
	if err != nil {
		return nil, fmt.Errorf("storage: match face: %w", err)
	}
	defer rows.Close()
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (FaceMatch, error) {
		var m FaceMatch
		err := row.Scan(&m.IdentityID, &m.Name, &m.Distance)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan face matches: %w", err)
	}
	return matches, nil
}

// LoadAllEmbeddings loads every embedding for a user's identities, used to
// populate the in-process snapshot cache consumed by the vision pipeline's
// per-frame matcher.
func (s *FaceStore) LoadAllEmbeddings(ctx context.Context, userID string) ([]FaceEmbeddingRow, error) {
	const q = `
		SELECT fi.id, fi.name, fp.embedding
		FROM face_photos fp
		JOIN face_identities fi ON fi.id = fp.identity_id
		WHERE fi.user_id = $1`
	rows, err := s.db.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: load face embeddings: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FaceEmbeddingRow, error) {
		var r FaceEmbeddingRow
		var vec pgvector.Vector
		if err := row.Scan(&r.IdentityID, &r.Name, &vec); err != nil {
			return FaceEmbeddingRow{}, err
		}
		r.Embedding = vec.Slice()
		return r, nil
	})
}

// FaceEmbeddingRow is one identity+embedding pair, shaped for the in-process cache.
type FaceEmbeddingRow struct {
	IdentityID string
	Name       string
	Embedding  []float32
}
