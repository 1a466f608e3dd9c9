package transport

import (
	"context"
	"errors"

	"attendance-service/internal/model"
)

var (
	// ErrUnavailable means the broadcast medium is disabled or unreachable.
	// Fatal to the current scan; callers surface it, they do not retry it.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrClosed means the transport has been shut down
	ErrClosed = errors.New("transport closed")
)

// Filter selects advertisements by logical service identifier and,
// optionally, a single session.
type Filter struct {
	ServiceID string
	SessionID string
}

// Matches reports whether an advertisement passes the filter
func (f Filter) Matches(adv model.Advertisement) bool {
	if f.ServiceID != "" && adv.ServiceID != f.ServiceID {
		return false
	}
	if f.SessionID != "" && adv.SessionID != f.SessionID {
		return false
	}
	return true
}

// Event is one advertisement delivery together with the receiver-side
// signal-quality estimate (RSSI, dBm).
type Event struct {
	Advertisement model.Advertisement
	RSSI          int
}

// Subscription is one live delivery channel for a (subscriber, filter) pair.
// Events are delivered in publish order per session_id with monotonic time
// slots; there is no cross-session ordering and no delivery guarantee.
type Subscription interface {
	// Events yields advertisement deliveries until the subscription stops.
	// The channel is closed after Stop or context cancellation.
	Events() <-chan Event

	// Stop cancels the subscription. Safe to call multiple times and from
	// a different goroutine than the one consuming Events.
	Stop()
}

// Transport carries {session metadata, current token} from an issuer to
// discoverers over a short-range broadcast medium. Publish is fire-and-forget
// from the issuer's perspective; the issuer retries on its next rotation tick.
type Transport interface {
	Publish(ctx context.Context, adv model.Advertisement) error

	// Withdraw removes the session's advertisement from the medium. Called
	// once by the issuer when the session ends.
	Withdraw(ctx context.Context, sessionID string) error

	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}
