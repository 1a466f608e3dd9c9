package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"attendance-service/internal/model"
	"attendance-service/internal/util"
)

// defaultSignal is the RSSI reported for simulated deliveries unless a test
// overrides it per session
const defaultSignal = -45

const subscriptionBuffer = 16

// SimulatedBus is the software fallback for environments lacking broadcast
// hardware. A shared in-process bus: issuers publish, subscribers receive on
// buffered channels. Deliveries are lossy (a full subscriber drops events,
// a late subscriber misses earlier publishes) and slot-monotonic per session.
type SimulatedBus struct {
	mu       sync.Mutex
	subs     map[*simulatedSubscription]struct{}
	lastSlot map[string]int64
	signal   map[string]int
	closed   bool
}

// NewSimulatedBus creates an empty bus
func NewSimulatedBus() *SimulatedBus {
	return &SimulatedBus{
		subs:     make(map[*simulatedSubscription]struct{}),
		lastSlot: make(map[string]int64),
		signal:   make(map[string]int),
	}
}

// SetSignal overrides the RSSI reported for one session's deliveries.
// Lets tests exercise the claimant's signal-quality floor.
func (b *SimulatedBus) SetSignal(sessionID string, rssi int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signal[sessionID] = rssi
}

// Publish fans the advertisement out to every matching subscriber. Non-blocking:
// subscribers that cannot keep up lose events, matching the lossy medium.
// Republishing the same slot is idempotent from the subscriber's view only in
// ordering terms; duplicate deliveries are permitted.
func (b *SimulatedBus) Publish(ctx context.Context, adv model.Advertisement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	// Never let a stale slot out onto the bus after a fresher one
	if last, ok := b.lastSlot[adv.SessionID]; ok && adv.TimeSlot < last {
		util.Debug("Dropping stale advertisement",
			zap.String("session_id", adv.SessionID),
			zap.Int64("time_slot", adv.TimeSlot),
			zap.Int64("last_slot", last))
		return nil
	}
	b.lastSlot[adv.SessionID] = adv.TimeSlot

	rssi, ok := b.signal[adv.SessionID]
	if !ok {
		rssi = defaultSignal
	}

	for sub := range b.subs {
		sub.deliver(Event{Advertisement: adv, RSSI: rssi})
	}

	return nil
}

// Withdraw clears the session's retained slot state so a future session
// reusing the medium starts clean
func (b *SimulatedBus) Withdraw(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lastSlot, sessionID)
	delete(b.signal, sessionID)
	return nil
}

// Subscribe registers a new delivery channel for the filter. The subscription
// ends when Stop is called or ctx is cancelled, whichever comes first.
func (b *SimulatedBus) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &simulatedSubscription{
		bus:      b,
		filter:   filter,
		ch:       make(chan Event, subscriptionBuffer),
		lastSlot: make(map[string]int64),
	}
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		sub.Stop()
	}()

	return sub, nil
}

// Close shuts the bus down and stops every subscription
func (b *SimulatedBus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*simulatedSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
}

type simulatedSubscription struct {
	bus    *SimulatedBus
	filter Filter
	ch     chan Event

	mu       sync.Mutex
	lastSlot map[string]int64
	stopped  bool

	stopOnce sync.Once
}

func (s *simulatedSubscription) Events() <-chan Event {
	return s.ch
}

func (s *simulatedSubscription) Stop() {
	s.stopOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.mu.Lock()
		s.stopped = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// deliver enforces subscriber-side slot monotonicity per session and drops
// the event when the channel is full
func (s *simulatedSubscription) deliver(ev Event) {
	if !s.filter.Matches(ev.Advertisement) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	sessionID := ev.Advertisement.SessionID
	if last, ok := s.lastSlot[sessionID]; ok && ev.Advertisement.TimeSlot < last {
		return
	}
	s.lastSlot[sessionID] = ev.Advertisement.TimeSlot

	select {
	case s.ch <- ev:
	default:
		// lossy medium: slow subscriber loses this interval
	}
}
