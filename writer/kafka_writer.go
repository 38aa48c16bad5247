package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"marketstream/config"
	"marketstream/internal/channel"
	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
)

const (
	component   = "kafka_writer"
	stopTimeout = 5 * time.Second
)

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter forwards normalized events from a broadcast receiver to a
// Kafka topic, keyed by symbol so each symbol keeps its order on one partition.
type KafkaWriter struct {
	cfg    config.KafkaConfig
	rx     *channel.Receiver
	writer messageWriter

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	batches  atomic.Int64
	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	lagged   atomic.Int64

	log *logger.Log
}

func NewKafkaWriter(cfg config.KafkaConfig, rx *channel.Receiver) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	if cfg.BufferSize > 0 {
		w.BatchSize = cfg.BufferSize
	}
	kw := newKafkaWriter(cfg, rx, w)
	kw.log.WithComponent(component).WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(cfg config.KafkaConfig, rx *channel.Receiver, w messageWriter) *KafkaWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &KafkaWriter{
		cfg:    cfg,
		rx:     rx,
		writer: w,
		log:    logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	ctx, kw.cancel = context.WithCancel(ctx)
	kw.mu.Unlock()

	kw.log.WithComponent(component).Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run(ctx)

	return nil
}

func (kw *KafkaWriter) run(ctx context.Context) {
	defer kw.wg.Done()

	for {
		ev, err := kw.rx.Recv(ctx)
		var lag *channel.LagError
		if errors.As(err, &lag) {
			kw.lagged.Add(int64(lag.Missed))
			kw.log.WithComponent(component).WithField("missed", lag.Missed).Warn("event stream lagged; events lost before kafka")
			continue
		}
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				kw.log.WithComponent(component).Debug("receiver closed")
			}
			return
		}

		batch := []*models.NormalizedEvent{ev}
		for len(batch) < kw.cfg.BufferSize {
			next, ok := kw.rx.TryRecv()
			if !ok {
				break
			}
			batch = append(batch, next)
		}
		kw.write(ctx, batch)
	}
}

func (kw *KafkaWriter) write(ctx context.Context, batch []*models.NormalizedEvent) {
	msgs := make([]kafka.Message, 0, len(batch))
	var size int64
	for _, ev := range batch {
		msg, err := encodeEvent(ev)
		if err != nil {
			kw.errors.Add(1)
			kw.log.WithComponent(component).WithError(err).WithField("symbol", ev.Symbol).Warn("failed to marshal event")
			metrics.EmitDropMetric(kw.log, metrics.DropMetricSink, 1, ev.Exchange, string(ev.Symbol), "encode")
			continue
		}
		size += int64(len(msg.Value))
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	if err := kw.writer.WriteMessages(ctx, msgs...); err != nil {
		kw.errors.Add(1)
		if ctx.Err() == nil {
			kw.log.WithComponent(component).WithError(err).WithField("messages", len(msgs)).Warn("failed to write batch")
		}
		metrics.EmitDropMetric(kw.log, metrics.DropMetricSink, len(msgs), "", "", "write")
		return
	}

	kw.batches.Add(1)
	kw.messages.Add(int64(len(msgs)))
	kw.bytes.Add(size)
	kw.log.WithComponent(component).WithFields(logger.Fields{
		"messages": len(msgs),
		"bytes":    size,
	}).Debug("batch written to kafka")
}

// encodeEvent builds the Kafka record for one event.
func encodeEvent(ev *models.NormalizedEvent) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: data,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind.String())},
			{Key: "exchange", Value: []byte(ev.Exchange)},
		},
	}, nil
}

// Stats returns the writer counters.
func (kw *KafkaWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten:  kw.batches.Load(),
		MessagesWritten: kw.messages.Load(),
		BytesWritten:    kw.bytes.Load(),
		ErrorsCount:     kw.errors.Load(),
		LaggedEvents:    kw.lagged.Load(),
		BufferLen:       kw.rx.Len(),
		BufferCap:       kw.cfg.BufferSize,
	}
}

// StartMetricsReporting reports writer stats every interval until ctx ends.
func (kw *KafkaWriter) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.ReportWriter(kw.log, component, kw.Stats())
			}
		}
	}()
}

// Stop detaches from the broadcast and flushes what is already buffered before
// closing the Kafka writer.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	cancel := kw.cancel
	kw.mu.Unlock()

	kw.log.WithComponent(component).Debug("stopping kafka writer")
	kw.rx.Close()

	done := make(chan struct{})
	go func() {
		kw.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		kw.log.WithComponent(component).Warn("kafka writer drain timed out")
	}
	cancel()
	<-done
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent(component).WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent(component).Debug("kafka writer stopped")
}
