package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketstream/config"
	"marketstream/internal/channel"
	"marketstream/internal/metrics"
	"marketstream/internal/normalizer"
	"marketstream/logger"
	"marketstream/models"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithTransport replaces the gorilla websocket dialer.
func WithTransport(t Transport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithNormalizer overrides the normalizer and protocol chosen from the exchange.
func WithNormalizer(n normalizer.Normalizer, p normalizer.Protocol) Option {
	return func(m *Manager) {
		m.normalizer = n
		m.protocol = p
	}
}

// WithDepthSink routes depth updates into sink before they are broadcast.
func WithDepthSink(sink DepthSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithGapHandler is called on the connection goroutine when the sink reports a
// sequence gap. It must not block.
func WithGapHandler(fn func(models.Symbol, error)) Option {
	return func(m *Manager) { m.onGap = fn }
}

// WithStatusObserver is called on every status transition.
func WithStatusObserver(fn func(models.ConnectionStatus)) Option {
	return func(m *Manager) { m.onStatus = fn }
}

// Manager owns the subscription registry, the broadcast hub and at most one
// running Connection.
type Manager struct {
	cfg        config.StreamConfig
	transport  Transport
	normalizer normalizer.Normalizer
	protocol   normalizer.Protocol
	sink       DepthSink
	onGap      func(models.Symbol, error)
	onStatus   func(models.ConnectionStatus)
	events     *channel.Broadcast

	mu      sync.RWMutex
	subs    map[string]models.Subscription
	conn    *Connection
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	runErr  error

	log *logger.Log
}

func NewManager(cfg config.StreamConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:  cfg,
		subs: make(map[string]models.Subscription),
		log:  logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.transport == nil {
		m.transport = NewWebsocketTransport(cfg)
	}
	m.events = channel.NewBroadcast(cfg.Exchange, cfg.BufferSize)
	return m
}

// Start validates the configuration and spawns the connection goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.log.WithComponent("stream_manager")

	if m.started {
		return fmt.Errorf("%w: stream manager already started", models.ErrInvalidRequest)
	}
	if err := m.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	if m.normalizer == nil || m.protocol == nil {
		n, p, err := normalizer.New(m.cfg.Exchange, nil)
		if err != nil {
			return err
		}
		m.normalizer, m.protocol = n, p
	}
	for _, key := range m.cfg.Subscriptions {
		sub, err := models.ParseSubscription(key)
		if err != nil {
			return err
		}
		m.subs[sub.Key()] = sub
	}

	control := m.cfg.ControlBuffer
	if control <= 0 {
		control = 64
	}
	conn := &Connection{
		cfg:        m.cfg,
		transport:  m.transport,
		normalizer: m.normalizer,
		protocol:   m.protocol,
		events:     m.events,
		sink:       m.sink,
		onGap:      m.onGap,
		onStatus:   m.onStatus,
		subs:       m.Subscriptions,
		control:    make(chan command, control),
		lastFinal:  make(map[models.Symbol]uint64),
		log:        m.log,
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := conn.Run(runCtx)
		if err != nil {
			m.mu.Lock()
			m.runErr = err
			m.mu.Unlock()
		}
	}()

	m.conn, m.cancel, m.done = conn, cancel, done
	m.started = true
	m.runErr = nil

	log.WithFields(logger.Fields{
		"exchange":      m.protocol.Name(),
		"url":           m.cfg.BaseURL,
		"subscriptions": len(m.subs),
	}).Info("stream manager started")
	return nil
}

// Stop shuts the connection down and waits for its goroutine.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	conn, cancel, done := m.conn, m.cancel, m.done
	m.started = false
	m.mu.Unlock()

	select {
	case conn.control <- command{kind: cmdShutdown}:
	default:
	}
	cancel()
	<-done
	conn.setStatus(models.StatusDisconnected)

	m.log.WithComponent("stream_manager").Info("stream manager stopped")
	return nil
}

// Close stops the manager and closes every receiver.
func (m *Manager) Close() error {
	err := m.Stop()
	m.events.Close()
	return err
}

func (m *Manager) running() (*Connection, <-chan struct{}, error) {
	if !m.started {
		return nil, nil, fmt.Errorf("%w: stream manager not started", models.ErrConnection)
	}
	return m.conn, m.done, nil
}

// Subscribe registers sub and asks the connection to subscribe. Registering an
// existing key is a no-op.
func (m *Manager) Subscribe(ctx context.Context, sub models.Subscription) error {
	m.mu.Lock()
	conn, done, err := m.running()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := sub.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	key := sub.Key()
	if _, ok := m.subs[key]; ok {
		m.mu.Unlock()
		return nil
	}
	m.subs[key] = sub
	m.mu.Unlock()

	return conn.send(ctx, command{kind: cmdSubscribe, subs: []models.Subscription{sub}}, done)
}

// Unsubscribe removes sub from the registry and asks the connection to drop it.
func (m *Manager) Unsubscribe(ctx context.Context, sub models.Subscription) error {
	m.mu.Lock()
	conn, done, err := m.running()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := sub.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	key := sub.Key()
	if _, ok := m.subs[key]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, key)
	m.mu.Unlock()

	return conn.send(ctx, command{kind: cmdUnsubscribe, subs: []models.Subscription{sub}}, done)
}

// Reconnect drops the current socket; subscriptions are replayed on the next one.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.RLock()
	conn, done, err := m.running()
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return conn.send(ctx, command{kind: cmdReconnect}, done)
}

// Subscriptions lists the registry sorted by key.
func (m *Manager) Subscriptions() []models.Subscription {
	m.mu.RLock()
	out := make([]models.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Receiver returns a new broadcast receiver.
func (m *Manager) Receiver() *channel.Receiver {
	return m.events.Subscribe()
}

// Broadcast exposes the hub for stats reporting.
func (m *Manager) Broadcast() *channel.Broadcast {
	return m.events
}

func (m *Manager) Status() models.ConnectionStatus {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return models.StatusDisconnected
	}
	return conn.Status()
}

func (m *Manager) Metrics() models.StreamMetrics {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return models.StreamMetrics{}
	}
	return conn.Metrics()
}

// Err returns the error that ended the last run, if any.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runErr
}

// Done is closed when the current connection goroutine exits.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// StartMetricsReporting emits the stream counters every interval until ctx ends.
func (m *Manager) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reportMetrics()
			}
		}
	}()
}

func (m *Manager) reportMetrics() {
	s := m.Metrics()
	fields := logger.Fields{"exchange": m.cfg.Exchange}
	metrics.EmitMetric(m.log, "stream", "messages_received", s.MessagesReceived, "counter", fields)
	metrics.EmitMetric(m.log, "stream", "messages_parsed", s.MessagesParsed, "counter", fields)
	metrics.EmitMetric(m.log, "stream", "parse_errors", s.ParseErrors, "counter", fields)
	metrics.EmitMetric(m.log, "stream", "connection_errors", s.ConnectionErrors, "counter", fields)
	metrics.EmitMetric(m.log, "stream", "data_gaps", s.DataGaps, "counter", fields)
	metrics.EmitMetric(m.log, "stream", "average_latency_ms", s.AverageLatencyMs, "gauge", logger.Fields{
		"exchange": m.cfg.Exchange,
		"unit":     "milliseconds",
	})
}
