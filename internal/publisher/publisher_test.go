package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/pkg/types"
)

// monitorServer accepts websocket connections and records received events.
type monitorServer struct {
	*httptest.Server

	mu       sync.Mutex
	events   []types.StatusEvent
	tokens   []string
	conns    int
	dropNext bool // close the next connection after one message
}

func newMonitorServer(t *testing.T) *monitorServer {
	t.Helper()
	m := &monitorServer{}
	upgrader := websocket.Upgrader{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		m.mu.Lock()
		m.conns++
		m.tokens = append(m.tokens, r.Header.Get(TokenHeader))
		drop := m.dropNext
		m.dropNext = false
		m.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev types.StatusEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Errorf("decode event: %v", err)
				return
			}
			m.mu.Lock()
			m.events = append(m.events, ev)
			m.mu.Unlock()
			if drop {
				return
			}
		}
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *monitorServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http")
}

func (m *monitorServer) received() []types.StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.StatusEvent(nil), m.events...)
}

func waitForEvents(t *testing.T, m *monitorServer, n int) []types.StatusEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if evs := m.received(); len(evs) >= n {
			return evs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("monitor received %d events, want %d", len(m.received()), n)
	return nil
}

func newTestPublisher(t *testing.T, url string) *WebsocketPublisher {
	t.Helper()
	cfg := DefaultConfig(url)
	cfg.Token = "secret"
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnects = 2
	cfg.Logger = logging.Discard()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestPublisher_DeliversInOrder(t *testing.T) {
	m := newMonitorServer(t)
	p := newTestPublisher(t, m.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	states := []types.State{types.StateWaiting, types.StateSubmitting, types.StateStarting, types.StateRunning, types.StateCompleted}
	for _, s := range states {
		p.Publish(types.NewRealizationEvent("ens", 3, 1, s))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := p.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := waitForEvents(t, m, len(states))
	for i, s := range states {
		if got[i].State() != s {
			t.Errorf("event %d state = %s, want %s", i, got[i].State(), s)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns != 1 {
		t.Errorf("connections = %d, want 1", m.conns)
	}
	if len(m.tokens) != 1 || m.tokens[0] != "secret" {
		t.Errorf("token headers = %v, want [secret]", m.tokens)
	}
}

func TestPublisher_ConnectsLazily(t *testing.T) {
	m := newMonitorServer(t)
	p := newTestPublisher(t, m.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	m.mu.Lock()
	conns := m.conns
	m.mu.Unlock()
	if conns != 0 {
		t.Errorf("connections before first event = %d, want 0", conns)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run() after cancel error = %v", err)
	}
}

func TestPublisher_Reconnects(t *testing.T) {
	m := newMonitorServer(t)
	m.dropNext = true
	p := newTestPublisher(t, m.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	p.Publish(types.NewRealizationEvent("ens", 0, 1, types.StateWaiting))
	waitForEvents(t, m, 1)

	// The server has hung up; keep publishing until a write notices.
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		p.Publish(types.NewRealizationEvent("ens", 0, 1, types.StateSubmitting))
		m.mu.Lock()
		conns := m.conns
		m.mu.Unlock()
		if conns >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := p.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns < 2 {
		t.Errorf("connections = %d, want a reconnect", m.conns)
	}
}

func TestPublisher_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := newTestPublisher(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	p.Publish(types.NewRealizationEvent("ens", 0, 1, types.StateWaiting))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); err == nil {
		t.Fatal("Run() error = nil, want connect failure")
	}
}

func TestPublisher_PublishAfterClose(t *testing.T) {
	p := newTestPublisher(t, "ws://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := p.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	p.Publish(types.NewRealizationEvent("ens", 0, 1, types.StateWaiting))
	if n := p.events.Len(); n != 0 {
		t.Errorf("queued after close = %d, want 0", n)
	}
}

func TestPublisher_CloseBeforeRun(t *testing.T) {
	m := newMonitorServer(t)
	p := newTestPublisher(t, m.wsURL())

	for iens := 0; iens < 3; iens++ {
		p.Publish(types.NewRealizationEvent("ens", iens, 1, types.StateCompleted))
	}
	p.Publish(types.NewEnsembleEvent("ens", types.EventTypeEnsembleStopped))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	closeErr := make(chan error, 1)
	go func() { closeErr <- p.Close(closeCtx) }()

	select {
	case err := <-closeErr:
		t.Fatalf("Close() returned %v before Run delivered anything", err)
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := <-closeErr; err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := waitForEvents(t, m, 4)
	if got[3].Type != types.EventTypeEnsembleStopped {
		t.Errorf("last event type = %s, want %s", got[3].Type, types.EventTypeEnsembleStopped)
	}
}

func TestPublisher_CloseTimesOutWithoutRun(t *testing.T) {
	p := newTestPublisher(t, "ws://127.0.0.1:1")
	p.Publish(types.NewRealizationEvent("ens", 0, 1, types.StateWaiting))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v, want deadline exceeded", err)
	}
	if n := p.events.Len(); n != 0 {
		t.Errorf("queued after close = %d, want 0", n)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "nil", cfg: nil, wantErr: true},
		{name: "no url", cfg: &Config{}, wantErr: true},
		{name: "missing cert", cfg: &Config{URL: "wss://x", CertPath: "/does/not/exist.pem"}, wantErr: true},
		{name: "plain", cfg: &Config{URL: "ws://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNop(t *testing.T) {
	var n Nop
	n.Publish(types.NewRealizationEvent("ens", 0, 1, types.StateWaiting))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Run(ctx); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if err := n.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
