package media_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa/internal/media"
)

// fakeIndex resolves every query to a fixed track, or returns an error for
// queries listed in errFor.
type fakeIndex struct {
	track  media.Track
	errFor map[string]bool
}

func (f *fakeIndex) Search(ctx context.Context, query string) (*media.Track, error) {
	if f.errFor[query] {
		return nil, io.ErrUnexpectedEOF
	}
	t := f.track
	t.Title = query
	return &t, nil
}

// fakeDownloader serves the same byte payload for every stream-url.
type fakeDownloader struct {
	payload []byte
}

func (f *fakeDownloader) Open(ctx context.Context, streamURL string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.payload)), nil
}

func collectChunks() (func(media.ChunkEvent), func() []media.ChunkEvent) {
	var mu sync.Mutex
	var chunks []media.ChunkEvent
	emit := func(c media.ChunkEvent) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, c)
	}
	get := func() []media.ChunkEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]media.ChunkEvent, len(chunks))
		copy(out, chunks)
		return out
	}
	return emit, get
}

func collectStates() (func(media.StateEvent), func() []media.StateEvent) {
	var mu sync.Mutex
	var states []media.StateEvent
	onState := func(s media.StateEvent) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}
	get := func() []media.StateEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]media.StateEvent, len(states))
		copy(out, states)
		return out
	}
	return onState, get
}

func TestPlayer_PlaySingleTrackEmitsChunksAndGoesIdle(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("a"), media.ChunkSize+10)
	idx := &fakeIndex{}
	dl := &fakeDownloader{payload: payload}
	emit, getChunks := collectChunks()
	onState, getStates := collectStates()

	p := media.NewPlayer("user-1", idx, dl, emit, onState, nil)
	defer p.Close()

	p.Play("some song")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		chunks := getChunks()
		if len(chunks) > 0 && chunks[len(chunks)-1].IsLast {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	chunks := getChunks()
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks for a payload spanning chunk boundaries, got %d", len(chunks))
	}
	if !chunks[len(chunks)-1].IsLast {
		t.Error("expected final chunk to be marked IsLast")
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d, want %d", i, c.Index, i)
		}
	}

	foundIdle := false
	for _, s := range getStates() {
		if s.State == media.StateIdle {
			foundIdle = true
		}
	}
	if !foundIdle {
		t.Error("expected player to return to idle after track finishes")
	}
}

func TestPlayer_QueueAdvancesAutomatically(t *testing.T) {
	t.Parallel()

	payload := []byte("short-track")
	idx := &fakeIndex{}
	dl := &fakeDownloader{payload: payload}
	emit, getChunks := collectChunks()
	onState, _ := collectStates()

	p := media.NewPlayer("user-1", idx, dl, emit, onState, nil)
	defer p.Close()

	p.Play("first")
	p.QueueAdd("second")

	deadline := time.Now().Add(2 * time.Second)
	var titles map[string]bool
	for time.Now().Before(deadline) {
		titles = map[string]bool{}
		for _, c := range getChunks() {
			titles[c.TrackTitle] = true
		}
		if titles["first"] && titles["second"] {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected both queued tracks to play, got titles: %v", titles)
}

func TestPlayer_QueueRemove(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	dl := &fakeDownloader{payload: []byte("x")}
	emit, _ := collectChunks()
	onState, _ := collectStates()

	p := media.NewPlayer("user-1", idx, dl, emit, onState, nil)
	defer p.Close()

	p.QueueAdd("a")
	p.QueueAdd("b")
	p.QueueAdd("c")

	if !p.QueueRemove(1) {
		t.Fatal("expected QueueRemove(1) to succeed")
	}
	if p.QueueRemove(10) {
		t.Error("expected QueueRemove with out-of-range index to fail")
	}
}

func TestPlayer_StopDropsQueue(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	dl := &fakeDownloader{payload: bytes.Repeat([]byte("z"), media.ChunkSize*3)}
	emit, _ := collectChunks()
	onState, getStates := collectStates()

	p := media.NewPlayer("user-1", idx, dl, emit, onState, nil)
	defer p.Close()

	p.Play("long track")
	time.Sleep(20 * time.Millisecond)
	p.QueueAdd("should never play")
	p.Stop()

	time.Sleep(50 * time.Millisecond)

	states := getStates()
	if len(states) == 0 {
		t.Fatal("expected at least one state event")
	}
	last := states[len(states)-1]
	if last.State != media.StateIdle {
		t.Errorf("expected idle state after Stop, got %v", last.State)
	}
	if last.QueueLen != 0 {
		t.Errorf("expected empty queue after Stop, got %d", last.QueueLen)
	}
}

func TestPlayer_PauseResume(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	dl := &fakeDownloader{payload: bytes.Repeat([]byte("p"), media.ChunkSize*2)}
	emit, _ := collectChunks()
	onState, getStates := collectStates()

	p := media.NewPlayer("user-1", idx, dl, emit, onState, nil)
	defer p.Close()

	p.Play("pausable")
	time.Sleep(20 * time.Millisecond)
	p.Pause()
	time.Sleep(20 * time.Millisecond)
	p.Resume()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states := getStates()
		for _, s := range states {
			if s.State == media.StatePaused {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a paused state event")
}

func TestPlayer_VolumeClamped(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	dl := &fakeDownloader{payload: []byte("x")}
	emit, _ := collectChunks()
	onState, getStates := collectStates()

	p := media.NewPlayer("user-1", idx, dl, emit, onState, nil)
	defer p.Close()

	p.Volume(5.0)
	states := getStates()
	if len(states) == 0 || states[len(states)-1].Volume != 1.0 {
		t.Errorf("expected volume clamped to 1.0, got states: %+v", states)
	}

	p.Volume(-1.0)
	states = getStates()
	if states[len(states)-1].Volume != 0.0 {
		t.Errorf("expected volume clamped to 0.0, got states: %+v", states)
	}
}
