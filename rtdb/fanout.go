package rtdb

import (
	"context"
	"sync"
)

// Fanout routes in-process change notifications to the subscriptions whose
// watched path overlaps the changed path.
type Fanout struct {
	mu   sync.Mutex
	subs map[*Subscription]string
}

// Add registers sub as a watcher of path.
func (f *Fanout) Add(path string, sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[*Subscription]string{}
	}
	f.subs[sub] = path
}

// Remove unregisters sub.
func (f *Fanout) Remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

// Changed notifies every watcher affected by a write at path.
func (f *Fanout) Changed(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, watched := range f.subs {
		if Overlaps(watched, path) {
			sub.Notify()
		}
	}
}

// Watch creates a subscription to path that reads through get and is
// registered with f before its first read, so no change can slip between the
// initial value and the first notification.
func (f *Fanout) Watch(ctx context.Context, path string, get FetchFunc) *Subscription {
	var sub *Subscription
	ready := make(chan struct{})
	sub = NewSubscription(ctx, func(fctx context.Context) (Snapshot, error) {
		<-ready
		return get(fctx)
	}, func() {
		<-ready
		f.Remove(sub)
	})
	f.Add(path, sub)
	close(ready)
	return sub
}
