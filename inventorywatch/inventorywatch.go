// Package inventorywatch raises low and empty stock alerts from a device's
// live slot inventory.
package inventorywatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pillmate/rtdb"
	"pillmate/slots"
)

const (
	SingleAlertTitle  = "Device Pill Alert"
	SummaryAlertTitle = "Device Pills Running Low"

	summaryListed   = 3
	defaultCooldown = 2 * time.Second
)

// Alert is one notification covering every newly low or empty slot in an
// inventory update.
type Alert struct {
	PIN        string
	OwnerUID   string
	OwnerEmail string

	Title string
	Body  string

	// The individual slot messages the body was built from.
	Messages []string
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type SlotWatcher interface {
	WatchSlots(ctx context.Context, pin string) (*rtdb.Stream[slots.Inventory], error)
}

type condKey struct {
	slot int
	cond slots.Status
}

// Watcher watches one device.  Alerts for a slot condition fire once, and
// re-arm when the slot is restocked above its low threshold.
type Watcher struct {
	slots    SlotWatcher
	notifier Notifier
	pin      string

	ownerUID   string
	ownerEmail string
	cooldown   time.Duration
	now        func() time.Time

	mu          sync.Mutex
	suppressed  map[condKey]bool
	dispatching bool
	quietUntil  time.Time

	// The latest inventory whose alerts were dropped, re-evaluated once the
	// cooldown ends.
	deferred *slots.Inventory
}

type WatcherOpt func(*Watcher)

// WithOwner stamps alerts with the device owner.
func WithOwner(uid, email string) WatcherOpt {
	return func(w *Watcher) {
		w.ownerUID = uid
		w.ownerEmail = email
	}
}

// WithCooldown sets how long after a dispatch further alerts are dropped.
func WithCooldown(d time.Duration) WatcherOpt {
	return func(w *Watcher) {
		w.cooldown = d
	}
}

func WithClock(now func() time.Time) WatcherOpt {
	return func(w *Watcher) {
		w.now = now
	}
}

func New(slotWatcher SlotWatcher, notifier Notifier, pin string, opts ...WatcherOpt) *Watcher {
	w := &Watcher{
		slots:      slotWatcher,
		notifier:   notifier,
		pin:        pin,
		cooldown:   defaultCooldown,
		now:        time.Now,
		suppressed: map[condKey]bool{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the device until ctx is done or the slot stream fails.
func (w *Watcher) Run(ctx context.Context) error {
	stream, err := w.slots.WatchSlots(ctx, w.pin)
	if err != nil {
		return fmt.Errorf("while watching slots of device %s: %w", w.pin, err)
	}
	defer stream.Stop()

	retry := time.NewTimer(0)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()
	armRetry := func() {
		if d, ok := w.retryIn(); ok {
			retry.Reset(d)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
			w.RetryDeferred(ctx)
			armRetry()
		case inv, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("slot stream of device %s ended: %w", w.pin, err)
				}
				return ctx.Err()
			}
			retry.Stop()
			w.Observe(ctx, inv)
			armRetry()
		}
	}
}

// Observe processes one inventory update, dispatching an alert if any slot
// newly became low or empty.
func (w *Watcher) Observe(ctx context.Context, inv slots.Inventory) {
	w.mu.Lock()
	w.deferred = nil
	w.mu.Unlock()

	messages, keys := w.collect(inv)
	if len(messages) == 0 {
		return
	}

	if !w.acquire() {
		// Un-suppress so a retry or the next update raises these alerts.
		w.mu.Lock()
		for _, k := range keys {
			delete(w.suppressed, k)
		}
		w.deferred = &inv
		w.mu.Unlock()
		slog.InfoContext(ctx, "Alert dispatch busy; dropping", slog.String("pin", w.pin), slog.Int("messages", len(messages)))
		return
	}
	defer w.release()

	alert := w.buildAlert(messages)
	if err := w.notifier.Notify(ctx, alert); err != nil {
		slog.ErrorContext(ctx, "Failed to deliver stock alert", slog.String("pin", w.pin), slog.Any("err", err))
		return
	}
	slog.InfoContext(ctx, "Delivered stock alert", slog.String("pin", w.pin), slog.Int("messages", len(messages)))
}

// RetryDeferred re-evaluates the inventory whose alerts were last dropped, if
// any.  Run calls it when the cooldown ends so an alert is not lost when the
// slot never changes again.
func (w *Watcher) RetryDeferred(ctx context.Context) {
	w.mu.Lock()
	inv := w.deferred
	w.mu.Unlock()
	if inv == nil {
		return
	}
	w.Observe(ctx, *inv)
}

// retryIn reports how long until a dropped alert can be retried.
func (w *Watcher) retryIn() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deferred == nil {
		return 0, false
	}
	d := w.quietUntil.Sub(w.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (w *Watcher) collect(inv slots.Inventory) ([]string, []condKey) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var messages []string
	var keys []condKey
	for _, s := range inv {
		if s.MedicationName == "" {
			continue
		}
		status := slots.StatusOf(s)
		switch status {
		case slots.StatusOK:
			delete(w.suppressed, condKey{s.SlotNumber, slots.StatusEmpty})
			delete(w.suppressed, condKey{s.SlotNumber, slots.StatusLow})
			continue
		case slots.StatusEmpty, slots.StatusLow:
		}

		k := condKey{s.SlotNumber, status}
		if w.suppressed[k] {
			continue
		}
		w.suppressed[k] = true
		keys = append(keys, k)

		if status == slots.StatusEmpty {
			messages = append(messages, fmt.Sprintf("Slot %d (%s) is empty! Please refill.", s.SlotNumber, s.MedicationName))
		} else {
			messages = append(messages, fmt.Sprintf("Slot %d (%s) is low! Only %d pills remaining. Please refill soon.", s.SlotNumber, s.MedicationName, s.PillCount))
		}
	}
	return messages, keys
}

func (w *Watcher) acquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dispatching || w.now().Before(w.quietUntil) {
		return false
	}
	w.dispatching = true
	return true
}

func (w *Watcher) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dispatching = false
	w.quietUntil = w.now().Add(w.cooldown)
}

func (w *Watcher) buildAlert(messages []string) Alert {
	alert := Alert{
		PIN:        w.pin,
		OwnerUID:   w.ownerUID,
		OwnerEmail: w.ownerEmail,
		Messages:   messages,
	}
	if len(messages) == 1 {
		alert.Title = SingleAlertTitle
		alert.Body = messages[0]
		return alert
	}

	listed := messages
	if len(listed) > summaryListed {
		listed = listed[:summaryListed]
	}
	body := &strings.Builder{}
	fmt.Fprintf(body, "%d slots need attention:\n%s", len(messages), strings.Join(listed, "\n"))
	if extra := len(messages) - len(listed); extra > 0 {
		fmt.Fprintf(body, "\n...and %d more", extra)
	}
	alert.Title = SummaryAlertTitle
	alert.Body = body.String()
	return alert
}
