package rtdb

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// FetchFunc reads the current value of a watched node.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// Subscription delivers the value of a watched subtree on C every time it
// changes.  C is closed when the subscription ends, either because Stop was
// called, the context passed to Watch was cancelled, or the backend failed (see
// Err).
//
// Once Stop returns, nothing further is delivered on C.
type Subscription struct {
	C <-chan Snapshot

	c      chan Snapshot
	notify chan struct{}
	fetch  FetchFunc
	cancel context.CancelFunc
	onStop func()

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewSubscription starts a subscription that calls fetch once immediately and
// again after every Notify.  Notifications that arrive while a fetch is in
// progress are coalesced.  onStop, if non-nil, runs exactly once after delivery
// has ended.
func NewSubscription(ctx context.Context, fetch FetchFunc, onStop func()) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		c:      make(chan Snapshot),
		notify: make(chan struct{}, 1),
		fetch:  fetch,
		cancel: cancel,
		onStop: onStop,
	}
	s.C = s.c
	s.notify <- struct{}{}

	s.wg.Add(1)
	go s.run(ctx)

	// Tear down backend resources when the caller's context ends even if Stop
	// is never called.
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s
}

// Notify tells the subscription that the watched subtree may have changed.
func (s *Subscription) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Fail ends the subscription with err.
func (s *Subscription) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the subscription.  It is safe to call more than once and from any
// goroutine, including the one reading C.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *Subscription) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.c)

	var last *Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		snap, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "Watch fetch failed; ending subscription", slog.Any("err", err))
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		if last != nil && last.Exists == snap.Exists && bytes.Equal(last.Raw, snap.Raw) {
			continue
		}
		last = &snap

		select {
		case s.c <- snap:
		case <-ctx.Done():
			return
		}
	}
}
