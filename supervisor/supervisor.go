// Package supervisor keeps background work running for every linked device:
// stock alerting per device and reminders per owner.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pillmate/dbtypes"
	"pillmate/pairing"
)

// Target is a device confirmed linked to its owner.
type Target struct {
	PIN        string
	OwnerUID   string
	OwnerEmail string
}

type LinkLister interface {
	LinkedDevices(ctx context.Context) ([]dbtypes.LinkedDevice, error)
}

type DeviceReader interface {
	Device(ctx context.Context, pin string) (dbtypes.Device, error)
}

// WorkerFunc runs until ctx is done.  A worker that returns early is
// restarted on the next pass.
type WorkerFunc func(ctx context.Context, t Target) error

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs an infinite loop reconciling workers against the set of
// linked devices.
type Supervisor struct {
	links         LinkLister
	devices       DeviceReader
	recheckPeriod time.Duration

	perDevice WorkerFunc
	perOwner  WorkerFunc

	mu      sync.Mutex
	running map[string]*worker
}

func New(links LinkLister, devices DeviceReader, recheckPeriod time.Duration, perDevice, perOwner WorkerFunc) *Supervisor {
	return &Supervisor{
		links:         links,
		devices:       devices,
		recheckPeriod: recheckPeriod,
		perDevice:     perDevice,
		perOwner:      perOwner,
		running:       map[string]*worker{},
	}
}

func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.recheckPeriod)
	defer ticker.Stop()
	defer s.stopAll()

	// Reconcile once right away --- ticker doesn't fire until the tick period
	// has elapsed.
	if err := s.Reconcile(ctx); err != nil {
		slog.ErrorContext(ctx, "Error during supervisor pass", slog.Any("err", err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.Reconcile(ctx); err != nil {
			slog.ErrorContext(ctx, "Error during supervisor pass", slog.Any("err", err))
		}
	}
}

// desired lists the workers that should be running, by key.
func (s *Supervisor) desired(ctx context.Context) (map[string]func(context.Context) error, error) {
	links, err := s.links.LinkedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("while listing linked devices: %w", err)
	}

	want := map[string]func(context.Context) error{}
	for _, link := range links {
		device, err := s.devices.Device(ctx, link.PIN)
		if errors.Is(err, pairing.ErrDeviceNotFound) || errors.Is(err, pairing.ErrInvalidPIN) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("while reading device %s: %w", link.PIN, err)
		}

		// The link record is a mirror; the device record decides.
		if device.Status != dbtypes.StatusLinked || device.OwnerUID != link.UID {
			slog.InfoContext(ctx, "Ignoring stale device link", slog.String("pin", link.PIN), slog.String("uid", link.UID))
			continue
		}

		t := Target{PIN: link.PIN, OwnerUID: link.UID, OwnerEmail: device.OwnerEmail}
		if s.perDevice != nil {
			want["device/"+t.PIN] = func(ctx context.Context) error { return s.perDevice(ctx, t) }
		}
		if s.perOwner != nil {
			if _, ok := want["owner/"+t.OwnerUID]; !ok {
				want["owner/"+t.OwnerUID] = func(ctx context.Context) error { return s.perOwner(ctx, t) }
			}
		}
	}
	return want, nil
}

// Reconcile starts and stops workers to match the linked devices.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting supervisor pass")
	defer func() {
		slog.InfoContext(ctx, "Finished supervisor pass")
	}()

	want, err := s.desired(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.running {
		select {
		case <-w.done:
			delete(s.running, key)
			continue
		default:
		}
		if _, ok := want[key]; !ok {
			slog.InfoContext(ctx, "Stopping worker", slog.String("worker", key))
			w.cancel()
			<-w.done
			delete(s.running, key)
		}
	}

	for key, run := range want {
		if _, ok := s.running[key]; ok {
			continue
		}
		slog.InfoContext(ctx, "Starting worker", slog.String("worker", key))
		wctx, cancel := context.WithCancel(ctx)
		w := &worker{cancel: cancel, done: make(chan struct{})}
		s.running[key] = w
		go func(key string, run func(context.Context) error) {
			defer close(w.done)
			if err := run(wctx); err != nil && wctx.Err() == nil {
				slog.ErrorContext(wctx, "Worker exited", slog.String("worker", key), slog.Any("err", err))
			}
		}(key, run)
	}
	return nil
}

// Running returns the keys of the running workers, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.running))
	for key := range s.running {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.running {
		w.cancel()
		<-w.done
		delete(s.running, key)
	}
}
