package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher delivers entries to a Sink on a background goroutine.
// Record never blocks: when the buffer is full the entry is dropped and a
// warning is logged.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration

	entries chan Entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	onDrop func(Entry)
}

type DispatcherOption func(*Dispatcher)

// WithWriteTimeout bounds each Sink.Write call.
func WithWriteTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// WithDropHook is called for every entry lost to a full buffer.
func WithDropHook(fn func(Entry)) DispatcherOption {
	return func(disp *Dispatcher) { disp.onDrop = fn }
}

func NewDispatcher(sink Sink, logger *zap.Logger, buffer int, opts ...DispatcherOption) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger.Named("audit"),
		timeout: 5 * time.Second,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
		onDrop:  func(Entry) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Record queues e for delivery.
func (d *Dispatcher) Record(e Entry) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, "dispatcher closed")
		return
	}
	select {
	case d.entries <- e:
	default:
		d.drop(e, "buffer full")
	}
}

func (d *Dispatcher) drop(e Entry, why string) {
	d.logger.Warn("audit entry dropped",
		zap.String("reason", why),
		zap.String("action", string(e.Action)),
		zap.String("actor", e.Actor),
		zap.String("target_user", string(e.TargetUser)))
	d.onDrop(e)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.entries {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Write(ctx, e); err != nil {
			d.logger.Error("audit write failed",
				zap.String("action", string(e.Action)),
				zap.String("entry_id", e.ID.String()),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting entries and waits for queued ones to be written,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.entries)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
