// Package media implements the per-user Media Controller (C7): search +
// download + chunked streaming + queue + playback state for one user's
// background music session.
package media

import (
	"container/list"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/observe"
)

// ChunkSize is the size, in raw bytes, of each frame base64-encoded into a
// media_chunk event. 32 KB keeps individual websocket frames small enough
// to interleave with other traffic on the same connection.
const ChunkSize = 32 * 1024

// PlaybackState enumerates the states a Player can be in.
type PlaybackState string

const (
	StateIdle    PlaybackState = "idle"
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

// Track is a single resolved media item, as returned by the external media
// index for a search query.
type Track struct {
	Title     string `json:"title"`
	StreamURL string `json:"stream_url"`
	Duration  int    `json:"duration"` // seconds
	Artist    string `json:"artist"`
}

// ChunkEvent mirrors the wire protocol's media_chunk event.
type ChunkEvent struct {
	UserID     string
	Index      int
	Data       string // base64-encoded
	IsLast     bool
	TrackTitle string
}

// StateEvent mirrors the wire protocol's media_state event, emitted on every
// playback state transition.
type StateEvent struct {
	UserID       string
	State        PlaybackState
	CurrentTrack *Track
	QueueLen     int
	Volume       float64
}

// Index resolves a search query against an external media catalogue. The
// production implementation is a plain HTTP JSON client; tests substitute a
// fake.
type Index interface {
	Search(ctx context.Context, query string) (*Track, error)
}

// HTTPIndex is the default Index backed by a configurable HTTP search
// endpoint returning a single best-match Track as JSON.
type HTTPIndex struct {
	client    *http.Client
	searchURL string
}

// NewHTTPIndex constructs an Index against searchURL (e.g.
// "https://media-index.internal/search"). The query is sent as the "q" query
// parameter; the endpoint must respond with a JSON-encoded Track.
func NewHTTPIndex(searchURL string) *HTTPIndex {
	return &HTTPIndex{client: &http.Client{Timeout: 10 * time.Second}, searchURL: searchURL}
}

// Search implements Index.
func (h *HTTPIndex) Search(ctx context.Context, query string) (*Track, error) {
	u, err := url.Parse(h.searchURL)
	if err != nil {
		return nil, fmt.Errorf("media: parse search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("media: build search request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: search returned status %d", resp.StatusCode)
	}

	var track Track
	if err := json.NewDecoder(resp.Body).Decode(&track); err != nil {
		return nil, fmt.Errorf("media: decode search response: %w", err)
	}
	if track.StreamURL == "" {
		return nil, errors.New("media: no results for query")
	}
	return &track, nil
}

// Downloader opens a readable stream of raw audio bytes for a track's
// stream-url. The default implementation is a plain HTTP GET; tests
// substitute a fake.
type Downloader interface {
	Open(ctx context.Context, streamURL string) (io.ReadCloser, error)
}

// HTTPDownloader is the default Downloader, a thin net/http GET wrapper.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader constructs an HTTPDownloader with a 10-second connect
// timeout; the body read itself is not time-bounded since streams can run
// for the duration of a track.
func NewHTTPDownloader() *HTTPDownloader {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	return &HTTPDownloader{client: &http.Client{Transport: tr}}
}

// Open implements Downloader.
func (d *HTTPDownloader) Open(ctx context.Context, streamURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build stream request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("media: stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Player is a per-user singleton that owns the playback queue and streams
// the current track's audio to the emit sink as base64 chunk events. All
// exported methods are safe for concurrent use.
//
// Grounded on pkg/audio/mixer.PriorityMixer's background-dispatch-goroutine
// plus notify-channel shape, simplified from a priority heap to a plain FIFO
// since media tracks have no barge-in preemption requirement.
type Player struct {
	userID string
	index  Index
	dl     Downloader
	emit   func(ChunkEvent)
	onState func(StateEvent)
	metrics *observe.Metrics

	mu      sync.Mutex
	state   PlaybackState
	current *Track
	queue   *list.List // of string (search queries, resolved lazily at play time)
	volume  float64
	paused  bool

	cancelCurrent context.CancelFunc

	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewPlayer constructs a Player for one user and starts its background
// dispatch goroutine. Call Close to release resources on logout. A nil
// metrics disables instrumentation, which test doubles rely on.
func NewPlayer(userID string, index Index, dl Downloader, emit func(ChunkEvent), onState func(StateEvent), metrics *observe.Metrics) *Player {
	p := &Player{
		userID:  userID,
		index:   index,
		dl:      dl,
		emit:    emit,
		onState: onState,
		metrics: metrics,
		state:   StateIdle,
		queue:   list.New(),
		volume:  1.0,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Play enqueues query and, if nothing is currently playing, starts it
// immediately.
func (p *Player) Play(query string) {
	p.mu.Lock()
	p.queue.PushBack(query)
	p.mu.Unlock()
	p.wake()
}

// QueueAdd appends query to the end of the queue without affecting current
// playback.
func (p *Player) QueueAdd(query string) {
	p.mu.Lock()
	p.queue.PushBack(query)
	p.mu.Unlock()
	p.wake()
}

// QueueRemove removes the query at the given zero-based index from the
// pending queue. Returns false if index is out of range.
func (p *Player) QueueRemove(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 {
		return false
	}
	e := p.queue.Front()
	for i := 0; e != nil && i < index; i++ {
		e = e.Next()
	}
	if e == nil {
		return false
	}
	p.queue.Remove(e)
	return true
}

// Pause sets the cooperative pause flag; the dispatch goroutine checks it
// between chunks.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state == StatePlaying {
		p.paused = true
		p.state = StatePaused
	}
	p.mu.Unlock()
	p.emitState()
}

// Resume clears the pause flag and wakes the dispatch goroutine.
func (p *Player) Resume() {
	p.mu.Lock()
	if p.state == StatePaused {
		p.paused = false
		p.state = StatePlaying
	}
	p.mu.Unlock()
	p.wake()
	p.emitState()
}

// Skip interrupts the current track, if any, and advances to the next
// queued one.
func (p *Player) Skip() {
	p.mu.Lock()
	cancel := p.cancelCurrent
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop interrupts current playback and drops the entire queue.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancelCurrent
	p.queue.Init()
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.mu.Lock()
	p.state = StateIdle
	p.current = nil
	p.mu.Unlock()
	p.emitState()
}

// Volume sets playback volume in [0,1]. Out-of-range values are clamped.
func (p *Player) Volume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
	p.emitState()
}

// Close stops the dispatch goroutine and interrupts any current playback.
// Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancelCurrent
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	close(p.done)
	return nil
}

func (p *Player) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// State returns a snapshot of the current playback state, for tools and
// handlers that need to report it without waiting on the next emitted event.
func (p *Player) State() StateEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return StateEvent{UserID: p.userID, State: p.state, CurrentTrack: p.current, QueueLen: p.queue.Len(), Volume: p.volume}
}

// QueuedQueries returns the pending search queries in play order. Entries are
// still unresolved: the Track they resolve to is only known once playOne
// reaches them.
func (p *Player) QueuedQueries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, p.queue.Len())
	for e := p.queue.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (p *Player) emitState() {
	if p.onState == nil {
		return
	}
	p.mu.Lock()
	ev := StateEvent{UserID: p.userID, State: p.state, CurrentTrack: p.current, QueueLen: p.queue.Len(), Volume: p.volume}
	p.mu.Unlock()
	p.onState(ev)
}

// dispatch pulls the next queued query, resolves and streams it, and loops
// until the queue is drained or Close is called.
func (p *Player) dispatch() {
	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			query, ok := p.dequeue()
			if !ok {
				break
			}
			if p.playOne(query) == errClosed {
				return
			}
		}
	}
}

var errClosed = errors.New("media: player closed")

func (p *Player) dequeue() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.queue.Front()
	if e == nil {
		return "", false
	}
	p.queue.Remove(e)
	return e.Value.(string), true
}

// playOne resolves query against the media index, opens a stream, and emits
// base64-encoded media_chunk events until the stream ends, it is skipped, or
// the player is closed.
func (p *Player) playOne(query string) error {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.cancelCurrent = cancel
	p.mu.Unlock()
	defer cancel()

	track, err := p.index.Search(ctx, query)
	if err != nil {
		return nil // resolution failure for one query should not kill the player
	}

	p.mu.Lock()
	p.current = track
	p.state = StatePlaying
	p.paused = false
	p.mu.Unlock()
	p.emitState()

	body, err := p.dl.Open(ctx, track.StreamURL)
	if err != nil {
		p.mu.Lock()
		p.state = StateIdle
		p.current = nil
		p.mu.Unlock()
		p.emitState()
		return nil
	}
	defer body.Close()

	buf := make([]byte, ChunkSize)
	index := 0
	sentLast := false
	for {
		if p.isPaused() {
			select {
			case <-ctx.Done():
				return p.doneOrClosed()
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			isLast := readErr == io.EOF
			p.emit(ChunkEvent{
				UserID:     p.userID,
				Index:      index,
				Data:       base64.StdEncoding.EncodeToString(buf[:n]),
				IsLast:     isLast,
				TrackTitle: track.Title,
			})
			if p.metrics != nil {
				p.metrics.RecordMediaChunkSent(ctx, p.userID)
			}
			index++
			sentLast = isLast
		}
		if readErr != nil {
			if readErr == io.EOF && !sentLast {
				p.emit(ChunkEvent{UserID: p.userID, Index: index, Data: "", IsLast: true, TrackTitle: track.Title})
				if p.metrics != nil {
					p.metrics.RecordMediaChunkSent(ctx, p.userID)
				}
			}
			break
		}

		select {
		case <-ctx.Done():
			return p.doneOrClosed()
		default:
		}
	}

	p.mu.Lock()
	if p.queue.Len() == 0 {
		p.state = StateIdle
		p.current = nil
	}
	p.mu.Unlock()
	p.emitState()
	return nil
}

func (p *Player) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// doneOrClosed runs the same idle-state cleanup as the normal end-of-track
// path before reporting whether the player itself is closed. playOne reaches
// here whenever ctx is cancelled mid-stream (Skip, or Close racing a read),
// so without this the skipped track's state/current would be left stale at
// StatePlaying and no media_state transition would ever be emitted for it.
func (p *Player) doneOrClosed() error {
	p.mu.Lock()
	p.state = StateIdle
	p.current = nil
	p.mu.Unlock()
	p.emitState()

	select {
	case <-p.done:
		return errClosed
	default:
		return nil
	}
}
