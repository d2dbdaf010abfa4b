package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway"
	"github.com/coder/websocket"
)

type fakeVerifier struct {
	tokenToUser map[string]string
}

func (f *fakeVerifier) VerifyToken(token string) (string, error) {
	userID, ok := f.tokenToUser[token]
	if !ok {
		return "", fmt.Errorf("unknown token")
	}
	return userID, nil
}

func newTestGateway(t *testing.T, verifier *fakeVerifier, opts ...gateway.Option) (*gateway.Gateway, *httptest.Server) {
	t.Helper()
	allOpts := append([]gateway.Option{
		gateway.WithAcceptOptions(&websocket.AcceptOptions{InsecureSkipVerify: true}),
	}, opts...)
	gw := gateway.New(verifier, allOpts...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = gw.Accept(w, r)
	}))
	t.Cleanup(srv.Close)
	return gw, srv
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return envelope.Type, envelope.Payload
}

func TestAccept_InvalidToken_ClosesUnauthenticated(t *testing.T) {
	verifier := &fakeVerifier{tokenToUser: map[string]string{}}
	_, srv := newTestGateway(t, verifier)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "bad-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusInternalError, "")

	_, _, readErr := conn.Read(ctx)
	if readErr == nil {
		t.Fatal("expected connection to be closed")
	}
	if !strings.Contains(readErr.Error(), "unauthenticated") {
		t.Fatalf("close reason = %v, want mention of unauthenticated", readErr)
	}
}

func TestAccept_ValidToken_SendsConnectedSnapshot(t *testing.T) {
	verifier := &fakeVerifier{tokenToUser: map[string]string{"tok-1": "user-1"}}
	_, srv := newTestGateway(t, verifier)

	conn := dial(t, wsURL(srv, "tok-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")

	eventType, payload := readEnvelope(t, conn)
	if eventType != "connected" {
		t.Fatalf("event type = %q, want connected", eventType)
	}

	var snap struct {
		ChatActive     bool   `json:"chat_active"`
		ConversationID string `json:"conversation_id"`
		MediaState     string `json:"media_state"`
		VisionEnabled  bool   `json:"vision_enabled"`
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.ChatActive || snap.VisionEnabled {
		t.Fatalf("snapshot = %+v, want zero-value defaults", snap)
	}
}

func TestAccept_SecondConnect_SupersedesFirst(t *testing.T) {
	verifier := &fakeVerifier{tokenToUser: map[string]string{"tok-1": "user-1"}}
	_, srv := newTestGateway(t, verifier)

	first := dial(t, wsURL(srv, "tok-1"))
	defer first.Close(websocket.StatusInternalError, "")
	readEnvelope(t, first) // connected snapshot

	second := dial(t, wsURL(srv, "tok-1"))
	defer second.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, second) // connected snapshot on the new channel

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if err == nil {
		t.Fatal("expected first connection to be closed as superseded")
	}
	if !strings.Contains(err.Error(), "superseded") {
		t.Fatalf("close reason = %v, want mention of superseded", err)
	}
}

func TestDispatch_RoutesToRegisteredHandler(t *testing.T) {
	verifier := &fakeVerifier{tokenToUser: map[string]string{"tok-1": "user-1"}}
	gw, srv := newTestGateway(t, verifier)

	received := make(chan string, 1)
	gw.RegisterHandler("chat_message", func(_ context.Context, sess *gateway.ActiveSession, raw json.RawMessage) error {
		received <- sess.UserID()
		return nil
	})

	conn := dial(t, wsURL(srv, "tok-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, conn) // connected snapshot

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, _ := json.Marshal(map[string]string{"type": "chat_message", "text": "hello"})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case userID := <-received:
		if userID != "user-1" {
			t.Fatalf("userID = %q, want user-1", userID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestDispatch_SameTypeEventsProcessedInArrivalOrder(t *testing.T) {
	verifier := &fakeVerifier{tokenToUser: map[string]string{"tok-1": "user-1"}}
	gw, srv := newTestGateway(t, verifier)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 10)

	gw.RegisterHandler("seq", func(_ context.Context, _ *gateway.ActiveSession, raw json.RawMessage) error {
		var body struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		order = append(order, body.N)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	conn := dial(t, wsURL(srv, "tok-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		msg, _ := json.Marshal(map[string]any{"type": "seq", "n": i})
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for handler invocations")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v, want [0 1 2 3 4]", order)
		}
	}
}

func TestCancelEvent_InvokesTurnCancel(t *testing.T) {
	verifier := &fakeVerifier{tokenToUser: map[string]string{"tok-1": "user-1"}}
	gw, srv := newTestGateway(t, verifier)

	cancelled := make(chan struct{}, 1)
	gw.RegisterHandler("chat_message", func(_ context.Context, sess *gateway.ActiveSession, _ json.RawMessage) error {
		sess.SetTurnCancel(func() { cancelled <- struct{}{} })
		return nil
	})

	conn := dial(t, wsURL(srv, "tok-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msg, _ := json.Marshal(map[string]string{"type": "chat_message"})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write chat_message: %v", err)
	}

	cancelMsg, _ := json.Marshal(map[string]string{"type": "cancel"})
	// Give the chat_message handler a moment to register the cancel func.
	time.Sleep(50 * time.Millisecond)
	if err := conn.Write(ctx, websocket.MessageText, cancelMsg); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("turn cancel func was never invoked")
	}
}
