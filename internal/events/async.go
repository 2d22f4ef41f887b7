package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// AsyncSink forwards notifications to a downstream sink on its own
// goroutine so publishers never wait on slow consumers. When the buffer is
// full the notification is dropped and counted.
type AsyncSink struct {
	next  Sink
	log   *zap.SugaredLogger
	queue chan asyncItem

	mu      sync.Mutex
	dropped int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type asyncItem struct {
	ctx context.Context
	n   Notification
}

// NewAsyncSink starts a forwarding goroutine with the given buffer size.
func NewAsyncSink(next Sink, buffer int, log *zap.SugaredLogger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &AsyncSink{
		next:   next,
		log:    log,
		queue:  make(chan asyncItem, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Notify enqueues n without blocking.
func (s *AsyncSink) Notify(ctx context.Context, n Notification) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.queue <- asyncItem{ctx: context.WithoutCancel(ctx), n: n}:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Warnw("notification dropped", "kind", n.Kind, "paths", n.Paths())
	}
}

// Dropped returns the number of notifications lost to a full buffer.
func (s *AsyncSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Stop delivers what is already buffered, then halts the worker.
func (s *AsyncSink) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) loop() {
	defer s.wg.Done()
	for {
		select {
		case item := <-s.queue:
			s.next.Notify(item.ctx, item.n)
		case <-s.ctx.Done():
			for {
				select {
				case item := <-s.queue:
					s.next.Notify(item.ctx, item.n)
				default:
					return
				}
			}
		}
	}
}
