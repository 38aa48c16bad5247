package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketstream/config"
	"marketstream/internal/channel"
	"marketstream/internal/metrics"
	"marketstream/internal/normalizer"
	"marketstream/logger"
	"marketstream/models"
)

const latencyWeight = 0.1

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdReconnect
	cmdShutdown
)

type command struct {
	kind commandKind
	subs []models.Subscription
}

// DepthSink receives depth updates before they are broadcast.
// *registry.Registry satisfies it.
type DepthSink interface {
	ProcessUpdate(symbol models.Symbol, update models.DepthUpdate) error
}

// sessionEnd tells Run why a connected session finished.
type sessionEnd int

const (
	endShutdown sessionEnd = iota
	endRead
	endFault
	endReconnect
)

// Connection owns one websocket and its lifecycle. Run is the only goroutine
// that changes state; everything else reads atomics.
type Connection struct {
	cfg        config.StreamConfig
	transport  Transport
	normalizer normalizer.Normalizer
	protocol   normalizer.Protocol
	events     *channel.Broadcast
	sink       DepthSink
	onGap      func(models.Symbol, error)
	onStatus   func(models.ConnectionStatus)
	subs       func() []models.Subscription

	control chan command
	status  atomic.Int32
	nextID  atomic.Uint64

	messagesReceived atomic.Uint64
	messagesParsed   atomic.Uint64
	parseErrors      atomic.Uint64
	connectionErrors atomic.Uint64
	reconnections    atomic.Uint64
	dataGaps         atomic.Uint64
	lastMessage      atomic.Int64
	latencyBits      atomic.Uint64

	lastFinal map[models.Symbol]uint64
	session   string
	log       *logger.Log
}

func (c *Connection) Status() models.ConnectionStatus {
	return models.ConnectionStatus(c.status.Load())
}

func (c *Connection) setStatus(s models.ConnectionStatus) {
	old := models.ConnectionStatus(c.status.Swap(int32(s)))
	if old == s {
		return
	}
	c.log.WithComponent("stream_connection").WithFields(logger.Fields{
		"session": c.session,
		"from":    old.String(),
		"to":      s.String(),
	}).Debug("status changed")
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

// Metrics copies the counters.
func (c *Connection) Metrics() models.StreamMetrics {
	m := models.StreamMetrics{
		MessagesReceived:  c.messagesReceived.Load(),
		MessagesParsed:    c.messagesParsed.Load(),
		ParseErrors:       c.parseErrors.Load(),
		ConnectionErrors:  c.connectionErrors.Load(),
		ReconnectionCount: c.reconnections.Load(),
		DataGaps:          c.dataGaps.Load(),
		AverageLatencyMs:  math.Float64frombits(c.latencyBits.Load()),
	}
	if ns := c.lastMessage.Load(); ns > 0 {
		m.LastMessageTime = time.Unix(0, ns)
	}
	return m
}

func (c *Connection) newBackOff() backoff.BackOff {
	if c.cfg.Backoff.Mode == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.cfg.ReconnectInterval
		b.MaxInterval = c.cfg.Backoff.MaxInterval
		b.Multiplier = c.cfg.Backoff.Multiplier
		if b.MaxInterval < b.InitialInterval {
			b.MaxInterval = b.InitialInterval
		}
		return b
	}
	return backoff.NewConstantBackOff(c.cfg.ReconnectInterval)
}

// Run drives the state machine until ctx ends, Shutdown arrives or the dial
// attempts are exhausted. Only the last case returns an error.
func (c *Connection) Run(ctx context.Context) error {
	c.session = uuid.NewString()
	log := c.log.WithComponent("stream_connection").WithFields(logger.Fields{
		"session":  c.session,
		"exchange": c.protocol.Name(),
		"url":      c.cfg.BaseURL,
	})
	policy := c.newBackOff()
	attempts := 0

	for {
		if ctx.Err() != nil {
			c.setStatus(models.StatusDisconnected)
			return nil
		}

		c.setStatus(models.StatusConnecting)
		conn, err := c.transport.Dial(ctx, c.cfg.BaseURL)
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(models.StatusDisconnected)
				return nil
			}
			c.connectionErrors.Add(1)
			attempts++
			if errors.Is(err, models.ErrRateLimited) {
				metrics.ReportRateLimitExceeded(c.log, c.protocol.Name(), "", "stream")
			}
			if attempts >= c.cfg.MaxReconnectAttempts {
				c.setStatus(models.StatusFailed)
				log.WithError(err).WithField("attempts", attempts).Error("giving up on connection")
				metrics.EmitMetric(c.log, "stream_connection", "connection_failed", 1, "counter", logger.Fields{"exchange": c.protocol.Name()})
				return fmt.Errorf("%w: %d connection attempts failed: %v", models.ErrConnection, attempts, err)
			}
			c.setStatus(models.StatusReconnecting)
			delay := policy.NextBackOff()
			log.WithError(err).WithFields(logger.Fields{"attempt": attempts, "retry_in": delay.String()}).Warn("connect failed")
			if !c.wait(ctx, delay) {
				c.setStatus(models.StatusDisconnected)
				return nil
			}
			continue
		}

		attempts = 0
		policy.Reset()
		c.setStatus(models.StatusConnected)
		log.Info("connected")

		end, err := c.runSession(ctx, conn)
		_ = conn.Close()

		switch end {
		case endShutdown:
			c.setStatus(models.StatusDisconnected)
			log.Info("connection closed")
			return nil
		case endRead:
			c.setStatus(models.StatusDisconnected)
			log.WithError(err).Warn("read failed")
		case endFault:
			c.connectionErrors.Add(1)
			c.setStatus(models.StatusReconnecting)
			log.WithError(err).Warn("connection fault")
		case endReconnect:
			c.setStatus(models.StatusReconnecting)
			log.Info("reconnect requested")
		}
		c.reconnections.Add(1)
		metrics.EmitMetric(c.log, "stream_connection", "reconnect", 1, "counter", logger.Fields{"exchange": c.protocol.Name()})

		if !c.wait(ctx, policy.NextBackOff()) {
			c.setStatus(models.StatusDisconnected)
			return nil
		}
	}
}

// wait sleeps for d. It returns false when shutdown wins. Subscription changes
// arriving meanwhile need no action: the registry is replayed on connect.
func (c *Connection) wait(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = c.cfg.ReconnectInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-c.control:
			if cmd.kind == cmdShutdown {
				return false
			}
		case <-timer.C:
			return true
		}
	}
}

func (c *Connection) runSession(ctx context.Context, conn Conn) (sessionEnd, error) {
	frames := make(chan []byte, c.cfg.BufferSize)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	for _, batch := range chunk(c.subs(), c.protocol.MaxControlArgs()) {
		if err := c.sendControl(conn, true, batch); err != nil {
			return endFault, err
		}
	}

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	idle := time.NewTimer(c.cfg.MessageTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return endShutdown, nil

		case data := <-frames:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.cfg.MessageTimeout)
			c.handleFrame(data)

		case err := <-readErr:
			c.drain(frames)
			return endRead, fmt.Errorf("%w: %v", models.ErrConnection, err)

		case cmd := <-c.control:
			switch cmd.kind {
			case cmdSubscribe, cmdUnsubscribe:
				if err := c.sendControl(conn, cmd.kind == cmdSubscribe, cmd.subs); err != nil {
					return endFault, err
				}
			case cmdReconnect:
				return endReconnect, nil
			case cmdShutdown:
				return endShutdown, nil
			}

		case <-ping.C:
			deadline := time.Now().Add(c.writeTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return endFault, fmt.Errorf("%w: ping: %v", models.ErrConnection, err)
			}

		case <-idle.C:
			return endFault, fmt.Errorf("%w: no message for %s", models.ErrTimeout, c.cfg.MessageTimeout)
		}
	}
}

// chunk splits subs into frames of at most n subscriptions.
func chunk(subs []models.Subscription, n int) [][]models.Subscription {
	if n <= 0 {
		n = 1
	}
	out := make([][]models.Subscription, 0, (len(subs)+n-1)/n)
	for len(subs) > n {
		out = append(out, subs[:n:n])
		subs = subs[n:]
	}
	if len(subs) > 0 {
		out = append(out, subs)
	}
	return out
}

// drain handles frames the reader queued before it failed.
func (c *Connection) drain(frames <-chan []byte) {
	for {
		select {
		case data := <-frames:
			c.handleFrame(data)
		default:
			return
		}
	}
}

func (c *Connection) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (c *Connection) sendControl(conn Conn, subscribe bool, subs []models.Subscription) error {
	frame, err := c.protocol.ControlFrame(subscribe, subs, c.nextID.Add(1))
	if err != nil {
		return fmt.Errorf("%w: encode control frame: %v", models.ErrInternal, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write control frame: %v", models.ErrConnection, err)
	}
	return nil
}

func (c *Connection) handleFrame(data []byte) {
	now := time.Now()
	c.messagesReceived.Add(1)
	c.lastMessage.Store(now.UnixNano())

	events, err := normalizer.NormalizeAll(c.normalizer, data)
	if err != nil {
		c.parseErrors.Add(1)
		c.log.WithComponent("stream_connection").WithError(err).WithField("session", c.session).Debug("dropping frame")
		metrics.EmitDropMetric(c.log, metrics.DropMetricFrame, 1, c.protocol.Name(), "", "normalize")
		if errors.Is(err, models.ErrInvalidRequest) {
			metrics.ReportLimitFromMessage(c.log, c.protocol.Name(), "", "stream", err.Error())
		}
		return
	}
	if len(events) == 0 {
		return
	}
	c.messagesParsed.Add(1)

	for _, ev := range events {
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = now
		}
		c.observeLatency(ev)
		if ev.Depth != nil {
			c.trackContinuity(ev.Symbol, ev.Depth)
			c.route(ev)
		}
		c.events.Send(ev)
	}
}

func (c *Connection) route(ev *models.NormalizedEvent) {
	if c.sink == nil {
		return
	}
	err := c.sink.ProcessUpdate(ev.Symbol, *ev.Depth)
	if err == nil {
		return
	}
	if errors.Is(err, models.ErrSequenceGap) && c.onGap != nil {
		c.onGap(ev.Symbol, err)
	}
}

// trackContinuity counts breaks between consecutive depth frames of a symbol
// as seen on the wire, independent of any book.
func (c *Connection) trackContinuity(symbol models.Symbol, d *models.DepthUpdate) {
	if d.Snapshot {
		c.lastFinal[symbol] = d.FinalID
		return
	}
	if prev, ok := c.lastFinal[symbol]; ok && d.FirstID > prev+1 {
		c.dataGaps.Add(1)
	}
	if d.FinalID > c.lastFinal[symbol] {
		c.lastFinal[symbol] = d.FinalID
	}
}

func (c *Connection) observeLatency(ev *models.NormalizedEvent) {
	exch := ev.ExchangeTime()
	if exch.IsZero() {
		return
	}
	ms := float64(ev.ReceivedAt.Sub(exch)) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	avg := math.Float64frombits(c.latencyBits.Load())
	if avg == 0 {
		avg = ms
	} else {
		avg += latencyWeight * (ms - avg)
	}
	c.latencyBits.Store(math.Float64bits(avg))
}

// send queues a command for the session goroutine.
func (c *Connection) send(ctx context.Context, cmd command, done <-chan struct{}) error {
	select {
	case <-done:
		return fmt.Errorf("%w: connection is not running", models.ErrConnection)
	default:
	}
	select {
	case c.control <- cmd:
		return nil
	case <-done:
		return fmt.Errorf("%w: connection is not running", models.ErrConnection)
	case <-ctx.Done():
		return ctx.Err()
	}
}
