// Package publisher delivers realization status events to the monitor over a
// websocket connection.
package publisher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/internal/queue"
	"github.com/flexinfer/realsched/pkg/types"
)

// TokenHeader carries the dispatch token on the websocket handshake.
const TokenHeader = "token"

// Config holds configuration for a WebsocketPublisher.
type Config struct {
	URL      string
	CertPath string
	Token    string

	// MaxReconnects bounds how often a failed send reconnects before Run
	// gives up.
	MaxReconnects    int
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a Config with default timeouts for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:              url,
		MaxReconnects:    5,
		ReconnectDelay:   time.Second,
		HandshakeTimeout: 60 * time.Second,
		WriteTimeout:     60 * time.Second,
	}
}

// WebsocketPublisher queues status events and sends them in order over one
// lazily opened websocket connection.
type WebsocketPublisher struct {
	cfg    Config
	dialer *websocket.Dialer
	header http.Header
	events *queue.Queue[types.StatusEvent]
	logger *slog.Logger

	// conn is owned by the Run goroutine.
	conn *websocket.Conn

	mu      sync.Mutex
	running bool
	// done is closed when Run returns.
	done chan struct{}
}

// New creates a publisher. The certificate file, when set, replaces the
// system roots for the TLS handshake.
func New(cfg *Config) (*WebsocketPublisher, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("publisher: url is required")
	}
	c := *cfg
	def := DefaultConfig(c.URL)
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	} else if c.MaxReconnects == 0 {
		c.MaxReconnects = def.MaxReconnects
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.HandshakeTimeout,
	}
	if c.CertPath != "" {
		pem, err := os.ReadFile(c.CertPath)
		if err != nil {
			return nil, fmt.Errorf("read dispatch certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CertPath)
		}
		dialer.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	header := http.Header{}
	if c.Token != "" {
		header.Set(TokenHeader, c.Token)
	}

	return &WebsocketPublisher{
		cfg:    c,
		dialer: dialer,
		header: header,
		events: queue.New[types.StatusEvent](),
		logger: logger.With(slog.String("component", "publisher"), slog.String("url", c.URL)),
		done:   make(chan struct{}),
	}, nil
}

// Publish enqueues ev. Events published after Close are dropped.
func (p *WebsocketPublisher) Publish(ev types.StatusEvent) {
	if !p.events.Push(ev) {
		metrics.PublisherEvents.WithLabelValues("dropped").Inc()
		return
	}
	metrics.PublisherQueueDepth.Inc()
}

// Run sends queued events until the queue is closed and drained or ctx is
// done. Every publisher must be Run once; Close waits for it. It returns an error when an event could not be delivered within the
// reconnect budget.
func (p *WebsocketPublisher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("publisher already running")
	}
	p.running = true
	p.mu.Unlock()
	defer close(p.done)
	defer p.disconnect()

	for {
		ev, err := p.events.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		metrics.PublisherQueueDepth.Dec()

		if err := p.send(ctx, ev); err != nil {
			metrics.PublisherEvents.WithLabelValues("error").Inc()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publish event %s: %w", ev.ID, err)
		}
		metrics.PublisherEvents.WithLabelValues("sent").Inc()
	}
}

// send writes ev, reconnecting up to MaxReconnects times on failure.
func (p *WebsocketPublisher) send(ctx context.Context, ev types.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error { return p.write(ctx, payload) },
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.MaxReconnects+1)),
		retry.Delay(p.cfg.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("websocket send failed, reconnecting",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err),
			)
		}),
	)
}

func (p *WebsocketPublisher) write(ctx context.Context, payload []byte) error {
	if p.conn == nil {
		conn, _, err := p.dialer.DialContext(ctx, p.cfg.URL, p.header)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		p.conn = conn
		p.logger.Debug("connected to monitor")
	}

	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// Close stops accepting events and waits for Run to deliver what is queued.
// A publisher that is closed before Run starts keeps its queue until Run
// drains it. When ctx expires first, the remaining events are dropped.
func (p *WebsocketPublisher) Close(ctx context.Context) error {
	p.events.Close()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.discard()
		return ctx.Err()
	}
}

// discard drops events that can no longer be delivered.
func (p *WebsocketPublisher) discard() {
	left := 0
	for {
		if _, ok := p.events.TryPop(); !ok {
			break
		}
		left++
	}
	if left > 0 {
		metrics.PublisherQueueDepth.Sub(float64(left))
		metrics.PublisherEvents.WithLabelValues("dropped").Add(float64(left))
		p.logger.Warn("dropping undelivered events", slog.Int("count", left))
	}
}

func (p *WebsocketPublisher) disconnect() {
	p.discard()
	if p.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	p.conn.Close()
	p.conn = nil
}

// Nop discards every event. It stands in when no monitor is configured.
type Nop struct{}

func (Nop) Publish(types.StatusEvent)       {}
func (Nop) Run(ctx context.Context) error   { <-ctx.Done(); return nil }
func (Nop) Close(ctx context.Context) error { return nil }
