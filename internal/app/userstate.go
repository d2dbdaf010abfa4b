package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/agent"
	"github.com/MrWong99/glyphoxa/internal/agent/orchestrator"
	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/internal/frame"
	"github.com/MrWong99/glyphoxa/internal/mcp"
	"github.com/MrWong99/glyphoxa/internal/mcp/mcphost"
	"github.com/MrWong99/glyphoxa/internal/mcp/tools/coretools"
	"github.com/MrWong99/glyphoxa/internal/mcp/tools/fileio"
	"github.com/MrWong99/glyphoxa/internal/mcp/tools/musictools"
	"github.com/MrWong99/glyphoxa/internal/media"
	vpipeline "github.com/MrWong99/glyphoxa/internal/vision"
	"github.com/MrWong99/glyphoxa/internal/tools"
)

// userState holds everything that is scoped to one user, from its first use
// until the App shuts down: the MCP host (built-ins plus any
// user-configured external servers), the tool registry sitting in front of
// it, the frame manager, and the lazily-created media player / vision
// pipeline singletons described in C7 and C8.
//
// RuntimeAgents are rebuilt fresh for every orchestrated turn (see
// buildOrchestrator) rather than cached here, since agent rows can change
// between turns and the cost of re-wrapping them in a Runtime is tiny next
// to an actual LLM round trip.
type userState struct {
	userID string

	host     mcp.Host
	registry *tools.Registry
	frames   *frame.Manager

	mu     sync.Mutex
	player *media.Player
	vision *vpipeline.Pipeline
}

// userStateFor returns the cached per-user state, constructing it on first
// use. The tool host is populated with built-ins and the user's enabled MCP
// servers at construction time; the cached state is not rebuilt on
// reconnect, so servers added afterwards are not picked up while the App
// runs.
func (a *App) userStateFor(ctx context.Context, userID string) (*userState, error) {
	a.usersMu.Lock()
	if st, ok := a.users[userID]; ok {
		a.usersMu.Unlock()
		return st, nil
	}
	a.usersMu.Unlock()

	st, err := a.newUserState(ctx, userID)
	if err != nil {
		return nil, err
	}

	a.usersMu.Lock()
	defer a.usersMu.Unlock()
	if existing, ok := a.users[userID]; ok {
		// Lost a race with another goroutine constructing the same user's
		// state; discard ours and use theirs.
		st.host.Close()
		return existing, nil
	}
	a.users[userID] = st
	return st, nil
}

func (a *App) newUserState(ctx context.Context, userID string) (*userState, error) {
	host := mcphost.New()

	// st is allocated before it is fully populated so the music tools below
	// can close over it and reach playerFor, which lazily constructs the
	// per-user media.Player on its first real call rather than at login.
	st := &userState{userID: userID, host: host}

	if err := host.RegisterTools(coretools.New(a.storage.Conversations, a.storage.Skills)); err != nil {
		return nil, fmt.Errorf("app: register core tools for user %s: %w", userID, err)
	}
	if err := host.RegisterTools(orchestrator.RoutingTools()); err != nil {
		return nil, fmt.Errorf("app: register routing tools for user %s: %w", userID, err)
	}
	if err := host.RegisterTools(musictools.NewTools(func() *media.Player { return st.playerFor(a) })); err != nil {
		return nil, fmt.Errorf("app: register music tools for user %s: %w", userID, err)
	}
	if a.mediaWorkspace != "" {
		if err := host.RegisterTools(fileio.NewTools(a.mediaWorkspace)); err != nil {
			return nil, fmt.Errorf("app: register file tools for user %s: %w", userID, err)
		}
	}

	servers, err := a.storage.MCPServers.ListEnabled(ctx, userID)
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("app: list mcp servers for user %s: %w", userID, err)
	}
	for _, srv := range servers {
		cfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: toMCPTransport(srv.Transport),
			Command:   commandLine(srv.Command, srv.Args),
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := host.RegisterServer(ctx, cfg); err != nil {
			host.Close()
			return nil, fmt.Errorf("app: register mcp server %q for user %s: %w", srv.Name, userID, err)
		}
	}
	if err := host.Calibrate(ctx); err != nil {
		a.logCalibrationWarning(userID, err)
	}

	registry := tools.NewRegistry(host, func(req tools.ApprovalRequest) {
		a.emitApprovalRequest(userID, req)
	}, a.metrics)

	frames := frame.New(frame.Config{
		Conversations: a.storage.Conversations,
		Users:         a.storage.Users,
		Agents:        a.storage.Agents,
		Summariser:    a.summariser,
		Consolidator:  a.consolidator,
		Metrics:       a.metrics,
		IdleThreshold: time.Duration(a.cfg.Frame.IdleThresholdMinutes) * time.Minute,
	})

	st.registry = registry
	st.frames = frames
	return st, nil
}

// toMCPTransport maps the persisted domain.MCPTransport enum onto the
// mcp.Host-facing Transport type; the two are kept separate so storage can
// evolve its wire format without the host package depending on it.
func toMCPTransport(t domain.MCPTransport) mcp.Transport {
	if t == domain.MCPTransportStreamableHTTP {
		return mcp.TransportStreamableHTTP
	}
	return mcp.TransportStdio
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// playerFor returns the per-user media player (C7), constructing it lazily
// on first use. The player is closed only when the App shuts down; a
// disconnect or logout does not tear it down.
func (st *userState) playerFor(a *App) *media.Player {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.player == nil {
		st.player = media.NewPlayer(st.userID, a.mediaIndex, a.mediaDownloader,
			func(ev media.ChunkEvent) { a.emitMediaChunk(st.userID, ev) },
			func(ev media.StateEvent) { a.emitMediaState(st.userID, ev) },
			a.metrics,
		)
	}
	return st.player
}

// visionFor returns the per-user vision pipeline (C8), constructing it
// lazily and refreshing its face-embedding cache on first use.
func (st *userState) visionFor(ctx context.Context, a *App) (*vpipeline.Pipeline, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.vision != nil {
		return st.vision, nil
	}
	p := vpipeline.NewPipeline(st.userID, a.vision, a.storage.Faces)
	if err := p.RefreshCache(ctx); err != nil {
		return nil, err
	}
	st.vision = p
	return p, nil
}

// close releases the per-user MCP host and media player.
func (st *userState) close() {
	st.host.Close()
	st.mu.Lock()
	if st.player != nil {
		st.player.Close()
	}
	st.mu.Unlock()
}

// buildOrchestrator assembles a fresh Orchestrator for one turn from the
// user's current agent rows. This mirrors OrchestrationSession being
// in-memory and rebuilt per orchestrated turn: agent rows (prompts, excluded
// tools, model) are read fresh from storage on every call so edits made
// through the session gateway take effect on the very next message.
func (a *App) buildOrchestrator(ctx context.Context, st *userState, userID string) (*orchestrator.Orchestrator, error) {
	user, err := a.storage.Users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("app: load user %s: %w", userID, err)
	}
	adminRow, err := a.storage.Agents.GetAdministrator(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("app: load administrator for user %s: %w", userID, err)
	}
	all, err := a.storage.Agents.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("app: list agents for user %s: %w", userID, err)
	}
	skillNames, err := a.storage.Skills.ListNames(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("app: list skills for user %s: %w", userID, err)
	}

	summaries := make([]agent.AgentSummary, 0, len(all))
	for _, ag := range all {
		if ag.IsAdmin {
			continue
		}
		summaries = append(summaries, agent.AgentSummary{Name: ag.Name, Description: ag.SystemPrompt})
	}

	newTemplate := func(ag *domain.Agent) *agent.TurnContext {
		return &agent.TurnContext{
			Agent:         ag,
			GlobalPrompt:  user.SystemPrompt,
			PreferredName: user.PreferredName,
			SkillNames:    skillNames,
			OtherAgents:   summaries,
		}
	}

	adminEntry := &orchestrator.RuntimeAgent{
		Template: newTemplate(adminRow),
		Runtime:  agent.NewRuntime(a.llm, a.storage.Conversations, st.registry, a.metrics),
	}

	var siblings []*orchestrator.RuntimeAgent
	for i := range all {
		ag := all[i]
		if ag.IsAdmin {
			continue
		}
		siblings = append(siblings, &orchestrator.RuntimeAgent{
			Template: newTemplate(&ag),
			Runtime:  agent.NewRuntime(a.llm, a.storage.Conversations, st.registry, a.metrics),
		})
	}

	return orchestrator.New(adminEntry, siblings, a.storage.Conversations), nil
}
