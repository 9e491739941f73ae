package rtdb

import (
	"log/slog"
	"sync"
)

// Stream is a Subscription whose snapshots have been decoded into T.
// Snapshots that fail to decode are logged and skipped.
//
// Stream has the same delivery guarantee as Subscription: nothing is sent on C
// after Stop returns.
type Stream[T any] struct {
	C <-chan T

	sub  *Subscription
	c    chan T
	done chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStream decodes every snapshot delivered by sub with decode.
func NewStream[T any](sub *Subscription, decode func(Snapshot) (T, error)) *Stream[T] {
	st := &Stream[T]{
		sub:  sub,
		c:    make(chan T),
		done: make(chan struct{}),
	}
	st.C = st.c

	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		defer close(st.c)
		for snap := range sub.C {
			v, err := decode(snap)
			if err != nil {
				slog.Error("Dropping undecodable snapshot", slog.String("path", snap.Path), slog.Any("err", err))
				continue
			}
			select {
			case st.c <- v:
			case <-st.done:
				return
			}
		}
	}()

	return st
}

// Stop ends the stream and its underlying subscription.
func (st *Stream[T]) Stop() {
	st.stopOnce.Do(func() {
		close(st.done)
		st.sub.Stop()
		st.wg.Wait()
	})
}

// Err reports why the underlying subscription ended, if it failed.
func (st *Stream[T]) Err() error {
	return st.sub.Err()
}
