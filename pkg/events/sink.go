package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

// Drop causes recorded on the events_dropped counter.
const (
	dropOverflow   = "overflow"
	dropShutdown   = "shutdown"
	dropStoreError = "store_error"
)

const defaultWriteTimeout = 5 * time.Second

// Config sizes the sink. Zero values fall back to the defaults in New.
type Config struct {
	BufferSize    int
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	// DropOldest evicts the oldest buffered event on overflow instead of
	// rejecting the incoming one.
	DropOldest   bool
	MaxRetries   int
	RetryBase    time.Duration
	WriteTimeout time.Duration
}

func (c *Config) normalize() {
	if c.BufferSize < 1 {
		c.BufferSize = 4096
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// Sink buffers events and persists them in batches. Publish never blocks the
// caller; persistence runs on Start'ed workers.
type Sink struct {
	store   Store
	cfg     Config
	log     *zap.Logger
	metrics *telemetry.Collector

	ch     chan Event
	quit   chan struct{}
	wg     sync.WaitGroup
	closed int32
}

// NewSink builds a sink. Call Start to launch the workers.
func NewSink(store Store, cfg Config, log *zap.Logger, metrics *telemetry.Collector) *Sink {
	cfg.normalize()
	return &Sink{
		store:   store,
		cfg:     cfg,
		log:     log.Named("events"),
		metrics: metrics,
		ch:      make(chan Event, cfg.BufferSize),
		quit:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (s *Sink) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Publish enqueues one event without blocking. It reports whether the event
// was accepted; rejected events are counted by drop cause. A zero
// PartitionKey is derived from EventTime.
func (s *Sink) Publish(ev Event) bool {
	if atomic.LoadInt32(&s.closed) == 1 {
		s.metrics.EventDropped(dropShutdown)
		return false
	}
	if ev.PartitionKey == "" {
		ev.PartitionKey = Partition(ev.EventTime)
	}

	select {
	case s.ch <- ev:
		s.metrics.QueueDepth(len(s.ch))
		return true
	default:
	}

	if !s.cfg.DropOldest {
		s.metrics.EventDropped(dropOverflow)
		return false
	}

	// Make room by evicting the oldest buffered event. A worker may win the
	// race for it; either way one slot opens.
	select {
	case <-s.ch:
		s.metrics.EventDropped(dropOverflow)
	default:
	}
	select {
	case s.ch <- ev:
		s.metrics.QueueDepth(len(s.ch))
		return true
	default:
		s.metrics.EventDropped(dropOverflow)
		return false
	}
}

// Close stops intake and drains buffered events. It returns early with the
// context error if draining outlives the deadline.
func (s *Sink) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("event drain abandoned", zap.Int("buffered", len(s.ch)))
		return ctx.Err()
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()

	batch := make([]Event, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(&batch)
			}
		case <-ticker.C:
			s.flush(&batch)
		case <-s.quit:
			s.drain(&batch)
			return
		}
	}
}

// drain empties the buffer after intake has stopped, then flushes the tail.
func (s *Sink) drain(batch *[]Event) {
	for {
		select {
		case ev := <-s.ch:
			*batch = append(*batch, ev)
			if len(*batch) >= s.cfg.BatchSize {
				s.flush(batch)
			}
		default:
			s.flush(batch)
			return
		}
	}
}

// flush writes the pending batch in one transaction, retrying with
// exponential backoff. A batch that exhausts its retries is dropped.
func (s *Sink) flush(batch *[]Event) {
	if len(*batch) == 0 {
		return
	}
	pending := *batch
	*batch = (*batch)[:0]

	var err error
	backoff := s.cfg.RetryBase
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err = s.store.InsertBatch(ctx, pending)
		cancel()
		if err == nil {
			s.metrics.EventsWritten(len(pending))
			s.metrics.QueueDepth(len(s.ch))
			return
		}
	}

	s.metrics.EventsDropped(dropStoreError, len(pending))
	s.log.Error("dropping event batch",
		zap.Int("events", len(pending)),
		zap.Int("attempts", s.cfg.MaxRetries+1),
		zap.Error(err))
}
