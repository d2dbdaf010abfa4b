package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MrWong99/glyphoxa/internal/agent"
	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/internal/gateway"
	"github.com/MrWong99/glyphoxa/internal/tools"
)

// approvalRequestPayload mirrors the wire protocol's tool_approval_request
// event.
type approvalRequestPayload struct {
	ApprovalID  string `json:"approval_id"`
	ToolName    string `json:"tool_name"`
	ToolArgs    string `json:"tool_args"`
	Description string `json:"description"`
	RiskLevel   string `json:"risk_level"`
}

// chatRequestPayload mirrors the wire protocol's chat_request event.
type chatRequestPayload struct {
	Text           string   `json:"text"`
	ModelName      string   `json:"model_name,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
	Images         []string `json:"images,omitempty"`
}

// toolApprovalResponsePayload mirrors the wire protocol's
// tool_approval_response event.
type toolApprovalResponsePayload struct {
	ApprovalID   string `json:"approval_id"`
	Approved     bool   `json:"approved"`
	ModifiedArgs string `json:"modified_args,omitempty"`
}

// visionStartPayload mirrors the wire protocol's vision_start event.
type visionStartPayload struct {
	EnableFace bool `json:"enable_face"`
	EnablePose bool `json:"enable_pose"`
	EnableHand bool `json:"enable_hands"`
}

// visionFramePayload mirrors the wire protocol's vision_frame event.
type visionFramePayload struct {
	Frame string `json:"frame"`
}

// visionResultPayload mirrors the wire protocol's vision_result event.
type visionResultPayload struct {
	Faces    any `json:"faces"`
	Gestures any `json:"gestures"`
}

// mediaQueueAddPayload mirrors the wire protocol's media_queue_add and
// media_play events (both carry a single search query).
type mediaQueueAddPayload struct {
	Query string `json:"query"`
}

// mediaQueueRemovePayload mirrors the wire protocol's media_queue_remove
// event.
type mediaQueueRemovePayload struct {
	Index int `json:"index"`
}

// mediaVolumePayload mirrors the wire protocol's media_volume event.
type mediaVolumePayload struct {
	Volume float64 `json:"volume"`
}

// errorPayload mirrors the wire protocol's error/media_error events.
type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// registerHandlers wires every client→server event type named in the
// session gateway protocol to its handler.
func (a *App) registerHandlers() {
	a.gw.RegisterHandler("chat_request", a.handleChatRequest)
	a.gw.RegisterHandler("tool_approval_response", a.handleToolApprovalResponse)
	a.gw.RegisterHandler("vision_start", a.handleVisionStart)
	a.gw.RegisterHandler("vision_frame", a.handleVisionFrame)
	a.gw.RegisterHandler("vision_stop", a.handleVisionStop)
	a.gw.RegisterHandler("media_play", a.handleMediaPlay)
	a.gw.RegisterHandler("media_queue_add", a.handleMediaQueueAdd)
	a.gw.RegisterHandler("media_queue_remove", a.handleMediaQueueRemove)
	a.gw.RegisterHandler("media_pause", a.handleMediaPause)
	a.gw.RegisterHandler("media_resume", a.handleMediaResume)
	a.gw.RegisterHandler("media_skip", a.handleMediaSkip)
	a.gw.RegisterHandler("media_stop", a.handleMediaStop)
	a.gw.RegisterHandler("media_volume", a.handleMediaVolume)
}

func (a *App) emitError(sess *gateway.ActiveSession, code, message string) {
	sess.Emit("error", errorPayload{Error: message, Code: code})
}

// handleChatRequest drives one user turn: it ensures a conversation and
// frame exist, persists the triggering user message, then either runs the
// named agent directly (agent_id set) or hands the turn to the
// Administrator-driven orchestrator (agent_id empty).
func (a *App) handleChatRequest(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	var envelope struct {
		Payload chatRequestPayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		a.emitError(sess, "bad_request", "malformed chat_request")
		return fmt.Errorf("app: unmarshal chat_request: %w", err)
	}
	req := envelope.Payload
	userID := sess.UserID()

	st, err := a.userStateFor(ctx, userID)
	if err != nil {
		a.emitError(sess, "internal_error", "could not prepare session state")
		return err
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := a.storage.Conversations.CreateConversation(ctx, userID, "New conversation")
		if err != nil {
			a.emitError(sess, "internal_error", "could not create conversation")
			return fmt.Errorf("app: create conversation: %w", err)
		}
		conversationID = conv.ID
	}

	turnCtx, cancel := context.WithCancel(ctx)
	sess.SetTurnCancel(cancel)
	sess.SetChatActive(true, conversationID)
	defer func() {
		sess.SetTurnCancel(nil)
		sess.SetChatActive(false, conversationID)
		cancel()
	}()

	emit := func(ev agent.Event) {
		a.emitAgentEvent(sess, ev)
	}

	if req.AgentID != "" {
		return a.handleDirectTurn(turnCtx, st, userID, conversationID, req, emit)
	}
	return a.handleOrchestratedTurn(turnCtx, st, userID, conversationID, req, emit)
}

func (a *App) handleDirectTurn(ctx context.Context, st *userState, userID, conversationID string, req chatRequestPayload, emit func(agent.Event)) error {
	ag, err := a.storage.Agents.Get(ctx, req.AgentID)
	if err != nil {
		return fmt.Errorf("app: load agent %s: %w", req.AgentID, err)
	}

	frameID, err := a.ensureFrameAndAppend(ctx, st, conversationID, userID, ag, req)
	if err != nil {
		return err
	}

	user, err := a.storage.Users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("app: load user %s: %w", userID, err)
	}
	skillNames, err := a.storage.Skills.ListNames(ctx, userID)
	if err != nil {
		return fmt.Errorf("app: list skills for user %s: %w", userID, err)
	}

	tc := agent.TurnContext{
		Agent:          ag,
		ConversationID: conversationID,
		FrameID:        frameID,
		UserID:         userID,
		GlobalPrompt:   user.SystemPrompt,
		PreferredName:  user.PreferredName,
		SkillNames:     skillNames,
		Images:         req.Images,
	}

	runtime := agent.NewRuntime(a.llm, a.storage.Conversations, st.registry, a.metrics)
	return runtime.HandleTurn(ctx, tc, emit)
}

func (a *App) handleOrchestratedTurn(ctx context.Context, st *userState, userID, conversationID string, req chatRequestPayload, emit func(agent.Event)) error {
	orch, err := a.buildOrchestrator(ctx, st, userID)
	if err != nil {
		return err
	}

	admin, err := a.storage.Agents.GetAdministrator(ctx, userID)
	if err != nil {
		return fmt.Errorf("app: load administrator for user %s: %w", userID, err)
	}

	frameID, err := a.ensureFrameAndAppend(ctx, st, conversationID, userID, admin, req)
	if err != nil {
		return err
	}

	return orch.HandleMessage(ctx, conversationID, frameID, userID, emit)
}

// ensureFrameAndAppend resolves the active frame for a conversation (rolling
// it over if idle) and persists the triggering user message onto it.
func (a *App) ensureFrameAndAppend(ctx context.Context, st *userState, conversationID, userID string, ag *domain.Agent, req chatRequestPayload) (string, error) {
	frm, err := st.frames.EnsureFrame(ctx, conversationID, userID, []string{ag.ID})
	if err != nil {
		return "", fmt.Errorf("app: ensure frame: %w", err)
	}

	rawInput, _ := json.Marshal(req)
	if err := a.storage.Conversations.AppendMessage(ctx, &domain.Message{
		FrameID:  frm.ID,
		Role:     domain.RoleUser,
		Content:  req.Text,
		RawInput: string(rawInput),
	}); err != nil {
		return "", fmt.Errorf("app: persist user message: %w", err)
	}
	return frm.ID, nil
}

// emitAgentEvent translates an agent.Event into the matching wire event.
func (a *App) emitAgentEvent(sess *gateway.ActiveSession, ev agent.Event) {
	switch ev.Kind {
	case agent.EventStreamChunk:
		sess.Emit("stream_chunk", struct {
			Content        string `json:"content,omitempty"`
			Thinking       string `json:"thinking,omitempty"`
			Role           string `json:"role"`
			AgentID        string `json:"agent_id,omitempty"`
			Name           string `json:"name"`
			VoiceReference string `json:"voice_reference,omitempty"`
			ConversationID string `json:"conversation_id"`
			FrameID        string `json:"frame_id"`
		}{
			Content:        ev.Content,
			Thinking:       ev.Thinking,
			Role:           string(ev.Role),
			AgentID:        ev.AgentID,
			Name:           ev.Name,
			VoiceReference: ev.VoiceReference,
			ConversationID: ev.ConversationID,
			FrameID:        ev.FrameID,
		})
	case agent.EventDone:
		sess.Emit("done", struct {
			ConversationID string `json:"conversation_id"`
			FrameID        string `json:"frame_id"`
			AgentID        string `json:"agent_id"`
		}{ev.ConversationID, ev.FrameID, ev.AgentID})
	case agent.EventAgentSwitch:
		sess.Emit("agent_switch", struct {
			FromAgentID string `json:"from_agent_id"`
			ToAgentID   string `json:"to_agent_id"`
			FromName    string `json:"from_name"`
			ToName      string `json:"to_name"`
			Reason      string `json:"reason"`
		}{ev.FromAgentID, ev.AgentID, ev.FromName, ev.Name, ev.Reason})
	}
}

// handleToolApprovalResponse resolves an in-flight approval wait registered
// by the tool registry when the Administrator or an agent requested a
// risky tool call.
func (a *App) handleToolApprovalResponse(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	var envelope struct {
		Payload toolApprovalResponsePayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("app: unmarshal tool_approval_response: %w", err)
	}

	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}

	resp := envelope.Payload
	if !st.registry.Resolve(resp.ApprovalID, tools.ApprovalResult{
		Approved:     resp.Approved,
		ModifiedArgs: resp.ModifiedArgs,
	}) {
		slog.Warn("app: tool approval response for unknown or expired request", "approval_id", resp.ApprovalID, "user_id", sess.UserID())
	}
	return nil
}

// handleVisionStart marks the session as vision-enabled. Per-frame
// processing state (which detectors run) is not differentiated by the
// pipeline; the event's payload is not read, and the only state kept is
// the single vision-enabled flag reported in the connected snapshot.
func (a *App) handleVisionStart(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	sess.SetVisionEnabled(true)
	return nil
}

func (a *App) handleVisionStop(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	sess.SetVisionEnabled(false)
	return nil
}

// handleVisionFrame runs one captured frame through the user's vision
// pipeline (C8). Frames are dropped outright (never buffered) while a prior
// frame is still processing; the pipeline reports this as processed=false.
func (a *App) handleVisionFrame(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	var envelope struct {
		Payload visionFramePayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("app: unmarshal vision_frame: %w", err)
	}

	userID := sess.UserID()
	st, err := a.userStateFor(ctx, userID)
	if err != nil {
		return err
	}
	pipeline, err := st.visionFor(ctx, a)
	if err != nil {
		sess.Emit("media_error", errorPayload{Error: "vision pipeline unavailable"})
		return err
	}

	result, processed, err := pipeline.ProcessFrame(ctx, envelope.Payload.Frame)
	if err != nil {
		sess.Emit("error", errorPayload{Error: "vision processing failed", Code: "vision_error"})
		return err
	}
	if !processed {
		return nil
	}

	sess.Emit("vision_result", visionResultPayload{Faces: result.Faces, Gestures: result.Gestures})
	return nil
}

func (a *App) handleMediaPlay(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	var envelope struct {
		Payload mediaQueueAddPayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("app: unmarshal media_play: %w", err)
	}
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).Play(envelope.Payload.Query)
	return nil
}

func (a *App) handleMediaQueueAdd(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	var envelope struct {
		Payload mediaQueueAddPayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("app: unmarshal media_queue_add: %w", err)
	}
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).QueueAdd(envelope.Payload.Query)
	return nil
}

func (a *App) handleMediaQueueRemove(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	var envelope struct {
		Payload mediaQueueRemovePayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("app: unmarshal media_queue_remove: %w", err)
	}
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).QueueRemove(envelope.Payload.Index)
	return nil
}

func (a *App) handleMediaPause(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).Pause()
	return nil
}

func (a *App) handleMediaResume(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).Resume()
	return nil
}

func (a *App) handleMediaSkip(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).Skip()
	return nil
}

func (a *App) handleMediaStop(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).Stop()
	return nil
}

func (a *App) handleMediaVolume(ctx context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
	var envelope struct {
		Payload mediaVolumePayload `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("app: unmarshal media_volume: %w", err)
	}
	st, err := a.userStateFor(ctx, sess.UserID())
	if err != nil {
		return err
	}
	st.playerFor(a).Volume(envelope.Payload.Volume)
	return nil
}
