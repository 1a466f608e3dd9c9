package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"attendance-service/internal/model"
	"attendance-service/internal/transport"
)

var ErrScanActive = errors.New("scan already active")

// Discoverer drives one claimant-side scan over a Transport, turning
// advertisement deliveries into DiscoveryRecord snapshots. One discoverer per
// active scan with an explicit Start/Stop lifecycle: starting a new scan
// requires stopping the previous one, so at most one delivery channel exists
// per (discoverer, filter) pair.
type Discoverer struct {
	transport transport.Transport
	logger    *zap.Logger

	mu       sync.Mutex
	scanning bool
	stop     func()
	gen      uint64
}

// New creates an idle discoverer
func New(tr transport.Transport, logger *zap.Logger) *Discoverer {
	return &Discoverer{
		transport: tr,
		logger:    logger,
	}
}

// Scan subscribes to the transport and yields one DiscoveryRecord per
// delivered advertisement. The returned channel closes when the timeout
// elapses, ctx is cancelled, or Stop is called; a scan that times out with
// no deliveries yields an empty terminal sequence rather than blocking.
// No deduplication: callers wanting latest-token-per-session fold the
// sequence themselves.
func (d *Discoverer) Scan(ctx context.Context, filter transport.Filter, timeout time.Duration) (<-chan model.DiscoveryRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanning {
		return nil, ErrScanActive
	}

	scanCtx, cancel := context.WithCancel(ctx)

	sub, err := d.transport.Subscribe(scanCtx, filter)
	if err != nil {
		cancel()
		return nil, err
	}

	stop := func() {
		cancel()
		sub.Stop()
	}

	d.scanning = true
	d.stop = stop
	d.gen++
	gen := d.gen

	out := make(chan model.DiscoveryRecord)

	go d.pump(scanCtx, sub, out, timeout, gen, stop)

	d.logger.Debug("Scan started",
		zap.String("service_id", filter.ServiceID),
		zap.Duration("timeout", timeout))

	return out, nil
}

// Stop cancels the active scan. Idempotent and safe to call from a different
// goroutine than the one consuming the scan.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	stop := d.stop
	d.scanning = false
	d.stop = nil
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (d *Discoverer) pump(ctx context.Context, sub transport.Subscription, out chan<- model.DiscoveryRecord, timeout time.Duration, gen uint64, stop func()) {
	defer close(out)
	defer d.release(gen, stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.logger.Debug("Scan timed out", zap.Duration("timeout", timeout))
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			record := model.DiscoveryRecord{
				SessionID:     ev.Advertisement.SessionID,
				CourseName:    ev.Advertisement.CourseName,
				Classroom:     ev.Advertisement.Classroom,
				TokenValue:    ev.Advertisement.CurrentToken,
				TimeSlot:      ev.Advertisement.TimeSlot,
				SignalQuality: ev.RSSI,
				ObservedAt:    time.Now(),
			}
			select {
			case out <- record:
			case <-ctx.Done():
				return
			case <-timer.C:
				return
			}
		}
	}
}

// release tears down one finished scan. The pump only releases the
// subscription it was started with; the shared scanning state is reset only
// when this pump's scan is still the current one, so a Stop followed
// immediately by a fresh Scan is never undone by the old pump's cleanup.
func (d *Discoverer) release(gen uint64, stop func()) {
	stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return
	}
	d.scanning = false
	d.stop = nil
}
