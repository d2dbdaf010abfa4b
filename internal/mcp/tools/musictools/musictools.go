// Package musictools provides the opt-in LLM tools backing the Media
// Controller (C7): play_music, music_control, and get_music_queue. Unlike
// the other built-in tool packages, these are bound to a single
// *media.Player instance that is constructed lazily per user, so callers
// pass a playerFunc rather than a ready-made dependency.
package musictools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/glyphoxa/internal/media"
	"github.com/MrWong99/glyphoxa/internal/mcp/tools"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// playerFunc resolves the per-user media.Player, constructing it on first
// use. Registered tool handlers call this instead of holding a *media.Player
// directly, since the player does not exist until the first call needs it.
type playerFunc func() *media.Player

type playMusicArgs struct {
	Query string `json:"query"`
}

type playMusicResult struct {
	Queued string `json:"queued"`
}

type musicControlArgs struct {
	// Action is one of "pause", "resume", "skip", "stop", "volume", or
	// "remove".
	Action string  `json:"action"`
	Volume float64 `json:"volume,omitempty"`
	Index  int     `json:"index,omitempty"`
}

type musicControlResult struct {
	Action string `json:"action"`
	Ok     bool   `json:"ok"`
}

type queueTrack struct {
	Query string `json:"query"`
}

type getMusicQueueResult struct {
	State    string       `json:"state"`
	Current  string       `json:"current,omitempty"`
	Volume   float64      `json:"volume"`
	Upcoming []queueTrack `json:"upcoming"`
}

func makePlayMusicHandler(player playerFunc) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a playMusicArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("musictools: play_music: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("musictools: play_music: query must not be empty")
		}
		player().Play(a.Query)
		res, err := json.Marshal(playMusicResult{Queued: a.Query})
		if err != nil {
			return "", fmt.Errorf("musictools: play_music: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func makeMusicControlHandler(player playerFunc) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a musicControlArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("musictools: music_control: failed to parse arguments: %w", err)
		}
		p := player()
		ok := true
		switch a.Action {
		case "pause":
			p.Pause()
		case "resume":
			p.Resume()
		case "skip":
			p.Skip()
		case "stop":
			p.Stop()
		case "volume":
			p.Volume(a.Volume)
		case "remove":
			ok = p.QueueRemove(a.Index)
		default:
			return "", fmt.Errorf("musictools: music_control: unknown action %q", a.Action)
		}
		res, err := json.Marshal(musicControlResult{Action: a.Action, Ok: ok})
		if err != nil {
			return "", fmt.Errorf("musictools: music_control: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func makeGetMusicQueueHandler(player playerFunc) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		p := player()
		state := p.State()
		upcoming := make([]queueTrack, 0, state.QueueLen)
		for _, q := range p.QueuedQueries() {
			upcoming = append(upcoming, queueTrack{Query: q})
		}
		out := getMusicQueueResult{
			State:    string(state.State),
			Volume:   state.Volume,
			Upcoming: upcoming,
		}
		if state.CurrentTrack != nil {
			out.Current = state.CurrentTrack.Title
		}
		res, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("musictools: get_music_queue: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// NewTools constructs the play_music / music_control / get_music_queue tool
// set, deferring construction of the backing media.Player to player, which
// is invoked on every call.
func NewTools(player func() *media.Player) []tools.Tool {
	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "play_music",
				Description: "Search for a track and queue it for playback, starting immediately if nothing is currently playing.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Free-text search query, e.g. an artist and song title.",
						},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 20,
				MaxDurationMs:       200,
				Idempotent:          false,
			},
			Handler:     makePlayMusicHandler(player),
			DeclaredP50: 20,
			DeclaredMax: 200,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "music_control",
				Description: "Control the current playback session: pause, resume, skip, stop, set volume, or remove a pending queue entry.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"action": map[string]any{
							"type":        "string",
							"enum":        []string{"pause", "resume", "skip", "stop", "volume", "remove"},
							"description": "The control action to perform.",
						},
						"volume": map[string]any{
							"type":        "number",
							"description": "New volume in [0,1]. Only used when action is \"volume\".",
						},
						"index": map[string]any{
							"type":        "integer",
							"description": "Zero-based pending-queue index to remove. Only used when action is \"remove\".",
						},
					},
					"required": []string{"action"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       100,
				Idempotent:          false,
			},
			Handler:     makeMusicControlHandler(player),
			DeclaredP50: 10,
			DeclaredMax: 100,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "get_music_queue",
				Description: "Report the current playback state, the track in progress (if any), and the pending queue.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
				Idempotent:          true,
				CacheableSeconds:    1,
			},
			Handler:     makeGetMusicQueueHandler(player),
			DeclaredP50: 5,
			DeclaredMax: 50,
		},
	}
}
