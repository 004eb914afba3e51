package badge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/badge-node/internal/display"
	"github.com/sweeney/badge-node/internal/store"
)

// saver writes health states to the store from its own goroutine. Only the
// newest unsaved value is kept, so a slow store delays persistence but
// never the event loop.
type saver struct {
	store   store.Store
	addr    uint16
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	next     display.HealthState
	hasNext  bool
	saved    display.HealthState
	hasSaved bool
	done     chan struct{} // non-nil while a worker runs
}

func newSaver(st store.Store, addr uint16, timeout time.Duration, logger *zap.Logger) *saver {
	return &saver{store: st, addr: addr, timeout: timeout, logger: logger}
}

// restored records v as already present in the store.
func (s *saver) restored(v display.HealthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved, s.hasSaved = v, true
}

// submit queues v, replacing any value not yet written.
func (s *saver) submit(v display.HealthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil && s.hasSaved && s.saved == v {
		return
	}
	s.next, s.hasNext = v, true
	if s.done == nil {
		s.done = make(chan struct{})
		go s.run(s.done)
	}
}

func (s *saver) run(done chan struct{}) {
	for {
		s.mu.Lock()
		if !s.hasNext {
			s.done = nil
			s.mu.Unlock()
			close(done)
			return
		}
		v := s.next
		s.hasNext = false
		skip := s.hasSaved && s.saved == v
		s.mu.Unlock()

		if skip {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.store.Save(ctx, s.addr, v)
		cancel()
		if err != nil {
			s.logger.Warn("persist health state failed", zap.Stringer("health", v), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.saved, s.hasSaved = v, true
		s.mu.Unlock()
	}
}

// flush waits until every submitted value has been written or dropped.
func (s *saver) flush(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
