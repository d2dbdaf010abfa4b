// Package gateway implements the Session Gateway (C9): one duplex websocket
// channel per logged-in user, with token authentication, replace-on-reconnect,
// a bounded outbound queue, a heartbeat, and type-keyed event dispatch.
//
// Grounded on the teacher's client-side use of github.com/coder/websocket
// (pkg/provider/s2s/openai, .../gemini) for the wire-level primitive — used
// here on the server side via websocket.Accept instead of websocket.Dial —
// and on the same read-loop/JSON-envelope shape.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// defaultHeartbeatInterval is how often the server pings an idle
	// connection.
	defaultHeartbeatInterval = 30 * time.Second

	// defaultPongTimeout bounds how long the server waits for a pong before
	// declaring the connection lost.
	defaultPongTimeout = 10 * time.Second

	// defaultOutboundHighWater bounds the per-session outbound queue.
	defaultOutboundHighWater = 256

	// visionResultEventType is exempt from the outbound queue's normal
	// drop-oldest discipline: when the queue is full it is dropped outright
	// rather than evicting an older event.
	// vision_frame is inbound-only (a client submitting a camera frame);
	// vision_result is the outbound event this exemption actually guards,
	// since a stale detection result is worthless once a newer one exists.
	visionResultEventType = "vision_result"

	// cancelEventType is handled by the gateway itself rather than routed to
	// a registered handler: it terminates only the current chat turn.
	cancelEventType = "cancel"

	// connectedEventType is the snapshot event sent immediately after a
	// successful (re)connect, before any carried-over buffered events.
	connectedEventType = "connected"
)

// TokenVerifier authenticates the bearer token presented at connect time and
// resolves it to a user ID.
type TokenVerifier interface {
	VerifyToken(token string) (userID string, err error)
}

// EventHandler processes one inbound event of a registered type. raw is the
// full JSON envelope as received from the client.
type EventHandler func(ctx context.Context, sess *ActiveSession, raw json.RawMessage) error

// Option configures a Gateway.
type Option func(*Gateway)

// WithHeartbeatInterval overrides the server ping interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(gw *Gateway) { gw.heartbeatInterval = d }
}

// WithPongTimeout overrides how long a ping may go unanswered before the
// connection is closed as heartbeat-lost.
func WithPongTimeout(d time.Duration) Option {
	return func(gw *Gateway) { gw.pongTimeout = d }
}

// WithOutboundHighWater overrides the per-session outbound queue's bound.
func WithOutboundHighWater(n int) Option {
	return func(gw *Gateway) { gw.outboundHighWater = n }
}

// WithAcceptOptions overrides the websocket.AcceptOptions used for every
// upgrade (e.g. to relax origin checking in tests). Defaults to &AcceptOptions{},
// which enforces same-origin.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(gw *Gateway) { gw.acceptOptions = opts }
}

// Gateway owns the per-user session registry and the type-to-handler
// dispatch table. One Gateway serves every user; Accept is the http.Handler
// entry point for the websocket upgrade.
type Gateway struct {
	verifier TokenVerifier

	heartbeatInterval time.Duration
	pongTimeout       time.Duration
	outboundHighWater int
	acceptOptions     *websocket.AcceptOptions

	mu       sync.Mutex
	sessions map[string]*ActiveSession

	handlersMu sync.RWMutex
	handlers   map[string]EventHandler
}

// New constructs a Gateway authenticating connections via verifier.
func New(verifier TokenVerifier, opts ...Option) *Gateway {
	gw := &Gateway{
		verifier:          verifier,
		heartbeatInterval: defaultHeartbeatInterval,
		pongTimeout:       defaultPongTimeout,
		outboundHighWater: defaultOutboundHighWater,
		acceptOptions:     &websocket.AcceptOptions{},
		sessions:          make(map[string]*ActiveSession),
		handlers:          make(map[string]EventHandler),
	}
	for _, o := range opts {
		o(gw)
	}
	return gw
}

// RegisterHandler routes every inbound event of eventType to handler. Must be
// called before Accept starts serving; not safe to call concurrently with
// dispatch.
func (gw *Gateway) RegisterHandler(eventType string, handler EventHandler) {
	gw.handlersMu.Lock()
	defer gw.handlersMu.Unlock()
	gw.handlers[eventType] = handler
}

func (gw *Gateway) handlerFor(eventType string) (EventHandler, bool) {
	gw.handlersMu.RLock()
	defer gw.handlersMu.RUnlock()
	h, ok := gw.handlers[eventType]
	return h, ok
}

// Session returns the active session for userID, if any.
func (gw *Gateway) Session(userID string) (*ActiveSession, bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	sess, ok := gw.sessions[userID]
	return sess, ok
}

// Accept upgrades r to a websocket connection and serves it until the client
// disconnects or the connection is torn down. It blocks for the lifetime of
// the connection; callers invoke it from an http.Handler.
func (gw *Gateway) Accept(w http.ResponseWriter, r *http.Request) error {
	token := r.URL.Query().Get("token")
	userID, err := gw.verifier.VerifyToken(token)
	if err != nil {
		conn, acceptErr := websocket.Accept(w, r, gw.acceptOptions)
		if acceptErr == nil {
			conn.Close(websocket.StatusPolicyViolation, "unauthenticated")
		}
		return fmt.Errorf("gateway: verify token: %w", err)
	}

	conn, err := websocket.Accept(w, r, gw.acceptOptions)
	if err != nil {
		return fmt.Errorf("gateway: accept: %w", err)
	}

	sess := gw.swapSession(userID, conn)
	sess.flushInitial()

	go sess.writeLoop()
	go sess.heartbeatLoop()
	sess.readLoop()
	return nil
}

// swapSession installs a new ActiveSession for userID, closing and carrying
// over the outbound queue of any prior session for the same user with close
// code "superseded". In-flight turns are not touched: C5 does not depend on
// the channel.
func (gw *Gateway) swapSession(userID string, conn *websocket.Conn) *ActiveSession {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	sess := newActiveSession(gw, userID, conn)

	if old, ok := gw.sessions[userID]; ok {
		sess.carried = old.queue.drain()
		old.closeSuperseded()
	}

	gw.sessions[userID] = sess
	return sess
}

func (gw *Gateway) forget(sess *ActiveSession) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.sessions[sess.userID] == sess {
		delete(gw.sessions, sess.userID)
	}
}

// ── ActiveSession ──────────────────────────────────────────────────────────

// snapshotPayload is the connected event's payload.
type snapshotPayload struct {
	ChatActive     bool   `json:"chat_active"`
	ConversationID string `json:"conversation_id"`
	MediaState     string `json:"media_state"`
	VisionEnabled  bool   `json:"vision_enabled"`
}

// ActiveSession is one user's live websocket channel plus the session state
// the connected snapshot event reports.
type ActiveSession struct {
	gw     *Gateway
	userID string
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	wake  chan struct{}
	queue *outboundQueue

	// carried holds events drained from a superseded prior session, pushed
	// onto queue by flushInitial immediately after the connected snapshot.
	carried []outboundEvent

	mu             sync.Mutex
	chatActive     bool
	conversationID string
	mediaState     string
	visionEnabled  bool
	turnCancel     context.CancelFunc

	typeQueuesMu sync.Mutex
	typeQueues   map[string]chan json.RawMessage
}

func newActiveSession(gw *Gateway, userID string, conn *websocket.Conn) *ActiveSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &ActiveSession{
		gw:         gw,
		userID:     userID,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		queue:      newOutboundQueue(gw.outboundHighWater),
		typeQueues: make(map[string]chan json.RawMessage),
	}
}

// UserID returns the session's owning user.
func (sess *ActiveSession) UserID() string { return sess.userID }

// SetChatActive updates the snapshot state reported to a reconnecting
// client.
func (sess *ActiveSession) SetChatActive(active bool, conversationID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.chatActive = active
	sess.conversationID = conversationID
}

// SetMediaState updates the snapshot state reported to a reconnecting
// client.
func (sess *ActiveSession) SetMediaState(state string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.mediaState = state
}

// SetVisionEnabled updates the snapshot state reported to a reconnecting
// client.
func (sess *ActiveSession) SetVisionEnabled(enabled bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.visionEnabled = enabled
}

// SetTurnCancel registers the cancel func for the chat turn currently in
// flight on this session, so a cancel event can stop it. Pass nil once the
// turn completes.
func (sess *ActiveSession) SetTurnCancel(cancel context.CancelFunc) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turnCancel = cancel
}

// CancelTurn terminates the turn registered via SetTurnCancel, if any. A
// cancel event with no turn in flight is a no-op.
func (sess *ActiveSession) CancelTurn() {
	sess.mu.Lock()
	cancel := sess.turnCancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Emit marshals payload under the wire envelope {"type":eventType,
// "payload":payload} and enqueues it for delivery. Safe to call from any
// goroutine, including concurrently with the session's own read/write loops.
func (sess *ActiveSession) Emit(eventType string, payload any) {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{Type: eventType, Payload: payload})
	if err != nil {
		slog.Error("gateway: marshal outbound event", "type", eventType, "err", err)
		return
	}
	sess.queue.push(outboundEvent{Type: eventType, Data: data})
	select {
	case sess.wake <- struct{}{}:
	default:
	}
}

// flushInitial queues the connected snapshot followed by any events carried
// over from a superseded prior session. Called once, before the write loop
// starts, so no lock against a concurrent drain is needed.
func (sess *ActiveSession) flushInitial() {
	sess.mu.Lock()
	snap := snapshotPayload{
		ChatActive:     sess.chatActive,
		ConversationID: sess.conversationID,
		MediaState:     sess.mediaState,
		VisionEnabled:  sess.visionEnabled,
	}
	sess.mu.Unlock()

	data, _ := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload snapshotPayload `json:"payload"`
	}{Type: connectedEventType, Payload: snap})
	sess.queue.push(outboundEvent{Type: connectedEventType, Data: data})

	for _, ev := range sess.carried {
		sess.queue.push(ev)
	}
	sess.carried = nil
}

// writeLoop delivers queued outbound events to the client. It drains the
// queue once at start (to flush the events flushInitial queued) and again
// whenever Emit wakes it.
func (sess *ActiveSession) writeLoop() {
	sess.flush()
	for {
		select {
		case <-sess.wake:
			sess.flush()
		case <-sess.ctx.Done():
			return
		}
	}
}

func (sess *ActiveSession) flush() {
	for _, ev := range sess.queue.drain() {
		if err := sess.conn.Write(sess.ctx, websocket.MessageText, ev.Data); err != nil {
			sess.teardown(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

// heartbeatLoop pings the client at the configured interval. A ping that
// doesn't get a pong within the configured timeout forces a heartbeat-lost
// close; coder/websocket resolves a Ping via its Read loop, so this relies on
// readLoop running concurrently.
func (sess *ActiveSession) heartbeatLoop() {
	ticker := time.NewTicker(sess.gw.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(sess.ctx, sess.gw.pongTimeout)
			err := sess.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				sess.teardown(websocket.StatusPolicyViolation, "heartbeat-lost")
				return
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

// readLoop reads inbound frames and dispatches them by type until the
// connection errors or is torn down. Blocks the calling goroutine.
func (sess *ActiveSession) readLoop() {
	defer sess.teardown(websocket.StatusNormalClosure, "")

	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			return
		}
		sess.dispatch(data)
	}
}

// dispatch routes one inbound frame by its declared type. cancel is handled
// directly; every other type is handed to a per-type ordered queue so that
// events of the same type are processed in arrival order while different
// types may run concurrently, per the gateway's ordering guarantee.
func (sess *ActiveSession) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Warn("gateway: malformed inbound event", "user_id", sess.userID, "err", err)
		return
	}

	if envelope.Type == cancelEventType {
		sess.CancelTurn()
		return
	}

	ch := sess.typeQueueFor(envelope.Type)
	select {
	case ch <- json.RawMessage(data):
	case <-sess.ctx.Done():
	}
}

func (sess *ActiveSession) typeQueueFor(eventType string) chan json.RawMessage {
	sess.typeQueuesMu.Lock()
	defer sess.typeQueuesMu.Unlock()

	ch, ok := sess.typeQueues[eventType]
	if ok {
		return ch
	}
	ch = make(chan json.RawMessage, 64)
	sess.typeQueues[eventType] = ch
	go sess.runTypeQueue(eventType, ch)
	return ch
}

func (sess *ActiveSession) runTypeQueue(eventType string, ch chan json.RawMessage) {
	handler, ok := sess.gw.handlerFor(eventType)
	if !ok {
		slog.Warn("gateway: no handler registered for event type", "type", eventType, "user_id", sess.userID)
	}

	for {
		select {
		case data := <-ch:
			if !ok {
				continue
			}
			if err := handler(sess.ctx, sess, data); err != nil {
				slog.Warn("gateway: handler error", "type", eventType, "user_id", sess.userID, "err", err)
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

// closeSuperseded closes the connection with code "superseded" as part of a
// reconnect hand-off. The caller has already replaced this session in the
// registry, so no registry cleanup happens here.
func (sess *ActiveSession) closeSuperseded() {
	sess.closeOnce.Do(func() {
		sess.cancel()
		sess.conn.Close(websocket.StatusPolicyViolation, "superseded")
	})
}

// teardown closes the connection with the given code/reason and removes the
// session from the registry, unless it has already been superseded.
func (sess *ActiveSession) teardown(code websocket.StatusCode, reason string) {
	sess.closeOnce.Do(func() {
		sess.cancel()
		sess.conn.Close(code, reason)
		sess.gw.forget(sess)
	})
}
