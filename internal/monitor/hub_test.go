package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/realsched/internal/auth"
	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/internal/publisher"
	"github.com/flexinfer/realsched/internal/runstore"
	"github.com/flexinfer/realsched/pkg/types"
)

type testMonitor struct {
	hub   *Hub
	store *runstore.MemoryStore
	srv   *httptest.Server
}

func newTestMonitor(t *testing.T, cfg *Config) *testMonitor {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	cfg.Store = store
	cfg.Logger = logging.Discard()
	hub := NewHub(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := mux.NewRouter()
	hub.Routes(r, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testMonitor{hub: hub, store: store, srv: srv}
}

func (m *testMonitor) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http") + path
}

func dial(t *testing.T, url, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set(TokenHeader, token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHub_DispatchRecordsAndBroadcasts(t *testing.T) {
	m := newTestMonitor(t, &Config{StaticToken: "tok"})

	watcher, _, err := dial(t, m.wsURL("/ws?stream=ens-1"), "")
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	defer watcher.Close()
	other, _, err := dial(t, m.wsURL("/ws?stream=ens-2"), "")
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	defer other.Close()
	waitUntil(t, "watchers to register", func() bool { return m.hub.ClientCount() == 2 })

	cfg := publisher.DefaultConfig(m.wsURL("/dispatch/ens-1"))
	cfg.Token = "tok"
	cfg.Logger = logging.Discard()
	pub, err := publisher.New(cfg)
	if err != nil {
		t.Fatalf("publisher.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	pub.Publish(types.NewRealizationEvent("ens-1", 0, 1, types.StateRunning))
	pub.Publish(types.NewRealizationEvent("ens-1", 0, 1, types.StateCompleted).WithReturnCode(0))
	pub.Publish(types.NewEnsembleEvent("ens-1", types.EventTypeEnsembleStopped))

	_ = watcher.SetReadDeadline(time.Now().Add(5 * time.Second))
	var gotTypes []string
	for len(gotTypes) < 3 {
		_, data, err := watcher.ReadMessage()
		if err != nil {
			t.Fatalf("watcher read: %v", err)
		}
		var ev types.StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		gotTypes = append(gotTypes, ev.Type)
	}
	want := []string{
		types.RealizationEventType(types.StateRunning),
		types.RealizationEventType(types.StateCompleted),
		types.EventTypeEnsembleStopped,
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Errorf("event %d type = %s, want %s", i, gotTypes[i], want[i])
		}
	}

	bg := context.Background()
	waitUntil(t, "ensemble to stop", func() bool {
		ens, err := m.store.GetEnsemble(bg, "ens-1")
		return err == nil && ens.Status == types.EnsembleStatusStopped
	})
	reals, err := m.store.ListRealizations(bg, "ens-1")
	if err != nil {
		t.Fatalf("ListRealizations: %v", err)
	}
	if len(reals) != 1 || reals[0].State != types.StateCompleted {
		t.Errorf("realizations = %+v, want one COMPLETED", reals)
	}
	events, err := m.store.GetEventsSince(bg, "ens-1", "")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("stored events = %d, want 3", len(events))
	}

	// The ens-2 watcher must not have seen anything.
	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("watcher of another ensemble received an event")
	}
}

func TestHub_DispatchAuth(t *testing.T) {
	issuer, err := auth.NewTokenIssuer("key", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	good, _ := issuer.Issue("ens-1")
	foreign, _ := issuer.Issue("ens-9")

	tests := []struct {
		name   string
		cfg    *Config
		token  string
		wantOK bool
	}{
		{name: "signed token", cfg: &Config{Tokens: issuer}, token: good, wantOK: true},
		{name: "token for other ensemble", cfg: &Config{Tokens: issuer}, token: foreign},
		{name: "missing token", cfg: &Config{Tokens: issuer}},
		{name: "static match", cfg: &Config{StaticToken: "s"}, token: "s", wantOK: true},
		{name: "static mismatch", cfg: &Config{StaticToken: "s"}, token: "x"},
		{name: "no auth configured", cfg: &Config{}, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t, tt.cfg)
			conn, resp, err := dial(t, m.wsURL("/dispatch/ens-1"), tt.token)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("dial error = %v, want success", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("dial succeeded, want rejection")
			}
			if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("dial error = %v, want 401 handshake failure", err)
			}
		})
	}
}

func TestHub_RejectsForeignSource(t *testing.T) {
	m := newTestMonitor(t, &Config{})
	conn, _, err := dial(t, m.wsURL("/dispatch/ens-1"), "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := types.NewRealizationEvent("ens-2", 0, 1, types.StateRunning)
	if err := conn.WriteJSON(ev); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok := types.NewRealizationEvent("ens-1", 0, 1, types.StateRunning)
	if err := conn.WriteJSON(ok); err != nil {
		t.Fatalf("write: %v", err)
	}

	bg := context.Background()
	waitUntil(t, "valid event to be stored", func() bool {
		evs, err := m.store.GetEventsSince(bg, "ens-1", "")
		return err == nil && len(evs) == 1
	})
	if _, err := m.store.GetEnsemble(bg, "ens-2"); !errors.Is(err, runstore.ErrEnsembleNotFound) {
		t.Errorf("GetEnsemble(ens-2) error = %v, want not found", err)
	}
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(&Config{AllowedOrigins: []string{"https://ui.example"}, Logger: logging.Discard()})
	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://ui.example", want: true},
		{origin: "https://evil.example", want: false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
