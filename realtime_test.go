package crm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newStreamServer serves /ws/notifications/ and hands each accepted
// connection to serve.
func newStreamServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/notifications/" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		serve(r.Context(), conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func TestNotificationStreamURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000/crm/api/":  "ws://localhost:8000/ws/notifications/?token=a+b",
		"https://school.example/crm/api/": "wss://school.example/ws/notifications/?token=a+b",
	}
	for base, want := range cases {
		s := NewNotificationStream(base, nil, nil, nil)
		if got := s.URL("a b"); got != want {
			t.Fatalf("URL(%s) = %s, want %s", base, got, want)
		}
	}
}

func TestNotificationStreamRequiresToken(t *testing.T) {
	c := NewClient()
	s := c.Notifications(nil)
	if err := s.Connect(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if s.State() != StreamDisconnected {
		t.Fatalf("unexpected state: %s", s.State())
	}
}

func TestNotificationStreamDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	s := NewNotificationStream(srv.URL+"/crm/api/", nil, &StreamConfig{Token: "tok"}, nil)
	if err := s.Connect(context.Background()); !IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestNotificationStreamDelivers(t *testing.T) {
	var gotToken atomic.Value
	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("token"))
		writeEnvelope(ctx, conn, map[string]any{
			"type": "notification",
			"payload": map[string]any{
				"title":      "Visit today",
				"recipients": []string{"Office Desk"},
				"data":       map[string]any{"type": "lead.visit", "leadId": 42},
			},
		})
		writeEnvelope(ctx, conn, map[string]any{
			"type":    "notification",
			"payload": map[string]any{"title": "For the principal", "recipients": []string{"Principal"}},
		})
		writeEnvelope(ctx, conn, map[string]any{"type": "pong"})
		writeEnvelope(ctx, conn, map[string]any{"title": "Broadcast"})
		conn.Read(ctx)
	})

	c := NewClient(WithBaseURL(srv.URL + "/crm/api/"))
	ctx := context.Background()
	c.Tokens().SaveCredential(ctx, "tok-ws")
	c.Tokens().SaveIdentity(ctx, UserIdentity{Role: RoleOfficeDesk})

	s := c.Notifications(&StreamConfig{})
	received := make(chan Notification, 4)
	s.OnNotification(func(n Notification) { received <- n })
	connected := make(chan struct{}, 1)
	s.OnConnected(func() { connected <- struct{}{} })

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()
	<-connected
	if s.State() != StreamConnected {
		t.Fatalf("unexpected state: %s", s.State())
	}

	titles := map[string]Notification{}
	for len(titles) < 2 {
		select {
		case n := <-received:
			titles[n.Title] = n
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %v", titles)
		}
	}
	select {
	case n := <-received:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}

	if n := titles["Visit today"]; n.Data.LeadID != 42 || n.Tag != "general" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n := titles["Broadcast"]; n.Body != "You have a new notification" {
		t.Fatalf("defaults not applied: %+v", n)
	}
	if gotToken.Load() != "tok-ws" {
		t.Fatalf("unexpected token: %v", gotToken.Load())
	}
}

func TestNotificationStreamReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := newStreamServer(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		if conns.Add(1) == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		conn.Read(ctx)
	})

	s := NewNotificationStream(srv.URL+"/crm/api/", nil, &StreamConfig{
		Token:              "tok",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, nil)
	connected := make(chan struct{}, 4)
	disconnected := make(chan error, 4)
	s.OnConnected(func() { connected <- struct{}{} })
	s.OnDisconnected(func(err error) { disconnected <- err })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect()

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d not established", i+1)
		}
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	if conns.Load() != 2 {
		t.Fatalf("expected 2 connections, got %d", conns.Load())
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&StreamConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	if len(delays) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(delays))
	}
	if delays[0] < 100*time.Millisecond || delays[0] > 150*time.Millisecond {
		t.Fatalf("first delay out of range: %v", delays[0])
	}
	for _, d := range delays {
		if d > time.Second {
			t.Fatalf("delay above max: %v", d)
		}
	}

	unlimited := newReconnector(&StreamConfig{MaxReconnectAttempts: -1, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	if !unlimited.shouldReconnect() {
		t.Fatal("negative max attempts should retry forever")
	}
}

func TestStreamConfigDefaults(t *testing.T) {
	s := NewNotificationStream("http://localhost:8000/crm/api/", nil, nil, nil)
	if s.config.MaxReconnectAttempts != 10 || s.config.HeartbeatInterval != 25*time.Second {
		t.Fatalf("unexpected defaults: %+v", s.config)
	}
	if !strings.HasPrefix(s.URL("x"), "ws://") {
		t.Fatal("expected ws scheme")
	}
}
