// Package vision implements the per-session frame analysis pipeline (C8):
// drop-when-busy backpressure over a single in-flight frame, face identity
// matching against an in-process embedding cache, and gesture detection.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/glyphoxa/internal/storage"
	"github.com/MrWong99/glyphoxa/pkg/provider/vision"
)

// MatchThreshold is the minimum cosine similarity for a detected face to be
// reported under a known identity's name rather than left unnamed.
const MatchThreshold = 0.6

// EmbeddingStore is the subset of storage.FaceStore the pipeline depends on
// to populate its in-process matching cache.
type EmbeddingStore interface {
	LoadAllEmbeddings(ctx context.Context, userID string) ([]storage.FaceEmbeddingRow, error)
}

// FaceResult is one matched or unmatched face in a processed frame.
type FaceResult struct {
	Name       string // empty if no known identity matched above MatchThreshold
	Confidence float64
	BBox       [4]float64
}

// Result is the vision_result payload for one processed frame. It never
// carries image bytes.
type Result struct {
	Faces    []FaceResult
	Gestures []string
}

// Pipeline is a per-user vision session: it holds a single-flight guard over
// frame analysis, a detection provider, and a snapshot cache of the user's
// known face embeddings for fast per-frame matching without a DB round trip.
//
// Safe for concurrent use.
type Pipeline struct {
	userID   string
	detector vision.Provider
	store    EmbeddingStore

	busy atomic.Bool

	mu    sync.RWMutex
	cache []storage.FaceEmbeddingRow
}

// NewPipeline constructs a Pipeline for userID. Call RefreshCache once before
// processing frames to populate the matching cache.
func NewPipeline(userID string, detector vision.Provider, store EmbeddingStore) *Pipeline {
	return &Pipeline{userID: userID, detector: detector, store: store}
}

// RefreshCache reloads the user's known face embeddings from the store.
// Callers should invoke this once at session start and again after any face
// identity is added, renamed, or removed.
func (p *Pipeline) RefreshCache(ctx context.Context) error {
	rows, err := p.store.LoadAllEmbeddings(ctx, p.userID)
	if err != nil {
		return fmt.Errorf("vision: refresh embedding cache: %w", err)
	}
	p.mu.Lock()
	p.cache = rows
	p.mu.Unlock()
	return nil
}

// ProcessFrame decodes a base64-encoded JPEG frame and dispatches it to face
// and gesture detection. If a frame is already in flight, ProcessFrame
// returns (nil, false, nil): the frame is dropped silently as backpressure,
// not an error.
func (p *Pipeline) ProcessFrame(ctx context.Context, frameBase64 string) (*Result, bool, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	defer p.busy.Store(false)

	jpeg, err := base64.StdEncoding.DecodeString(frameBase64)
	if err != nil {
		return nil, true, fmt.Errorf("vision: decode frame: %w", err)
	}

	detected, err := p.detector.Detect(ctx, jpeg)
	if err != nil {
		return nil, true, fmt.Errorf("vision: detect: %w", err)
	}

	result := &Result{Gestures: detected.Gestures}
	snapshot := p.cacheSnapshot()
	for _, face := range detected.Faces {
		name, confidence := p.matchIdentity(face.Embedding, snapshot)
		result.Faces = append(result.Faces, FaceResult{Name: name, Confidence: confidence, BBox: face.BBox})
	}
	return result, true, nil
}

// cacheSnapshot returns the current embedding cache under a short read lock,
// so matching never blocks a concurrent RefreshCache for longer than a copy.
func (p *Pipeline) cacheSnapshot() []storage.FaceEmbeddingRow {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]storage.FaceEmbeddingRow, len(p.cache))
	copy(out, p.cache)
	return out
}

// matchIdentity returns the name of the cached identity whose embedding has
// the highest cosine similarity to embedding, provided it clears
// MatchThreshold. An empty name means no identity matched.
func (p *Pipeline) matchIdentity(embedding []float32, cache []storage.FaceEmbeddingRow) (name string, confidence float64) {
	best := -1.0
	for _, row := range cache {
		sim := cosineSimilarity(embedding, row.Embedding)
		if sim > best {
			best = sim
			name = row.Name
		}
	}
	if best < MatchThreshold {
		return "", best
	}
	return name, best
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
