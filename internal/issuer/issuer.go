package issuer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"attendance-service/internal/model"
	"attendance-service/internal/token"
	"attendance-service/internal/transport"
)

var (
	ErrAlreadyStarted = errors.New("issuer already started")
	ErrNotActive      = errors.New("issuer is not active")
	ErrEnded          = errors.New("issuer has ended")
)

// State is the issuer lifecycle state
type State int

const (
	StateIdle State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Issuer owns one session's token lifecycle: it derives the current token
// from the wall clock on a fixed rotation interval and publishes it through
// the Transport. One issuer per active session, explicit Start/End lifecycle.
// Ended is irreversible; a new session requires a new Issuer.
type Issuer struct {
	serviceID string
	generator *token.Generator
	transport transport.Transport
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	session model.Session
	current model.Token
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an idle issuer
func New(serviceID string, gen *token.Generator, tr transport.Transport, logger *zap.Logger) *Issuer {
	return &Issuer{
		serviceID: serviceID,
		generator: gen,
		transport: tr,
		logger:    logger,
	}
}

// Start records the session, publishes the initial token for the current
// time slot and begins the rotation loop.
func (i *Issuer) Start(ctx context.Context, session model.Session) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateActive:
		return ErrAlreadyStarted
	case StateEnded:
		return ErrEnded
	}

	session.Status = model.SessionActive
	i.session = session
	i.state = StateActive
	i.current = i.generator.CurrentToken(session.SessionID)

	loopCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	// Initial publication; a failure here is retried on the first tick
	if err := i.publishLocked(loopCtx); err != nil {
		i.logger.Warn("Initial publish failed, will retry on next tick",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
	}

	go i.rotate(loopCtx)

	i.logger.Info("Issuer started",
		zap.String("session_id", session.SessionID),
		zap.String("course_name", session.CourseName),
		zap.Int64("time_slot", i.current.TimeSlot),
		zap.Duration("rotation_interval", i.generator.Interval()))

	return nil
}

// End stops the rotation loop, withdraws the advertisement and marks the
// session ended. Irreversible.
func (i *Issuer) End(ctx context.Context) error {
	i.mu.Lock()

	if i.state != StateActive {
		i.mu.Unlock()
		return ErrNotActive
	}

	i.state = StateEnded
	now := time.Now()
	i.session.Status = model.SessionEnded
	i.session.EndTime = &now
	cancel := i.cancel
	done := i.done
	sessionID := i.session.SessionID
	i.mu.Unlock()

	cancel()
	<-done

	if err := i.transport.Withdraw(ctx, sessionID); err != nil {
		i.logger.Warn("Failed to withdraw advertisement",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	i.logger.Info("Issuer ended", zap.String("session_id", sessionID))
	return nil
}

// CurrentToken returns the last generated token. Safe to poll from a
// supervisory UI without affecting rotation.
func (i *Issuer) CurrentToken() (model.Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == StateIdle {
		return model.Token{}, ErrNotActive
	}
	return i.current, nil
}

// Session returns a snapshot of the owned session
func (i *Issuer) Session() model.Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

// CurrentState returns the issuer lifecycle state
func (i *Issuer) CurrentState() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// rotate republishes the current token once per rotation interval. A publish
// failure never stops the loop: the freshly computed token is retained and
// publication is retried on the next tick.
func (i *Issuer) rotate(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.generator.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.mu.Lock()
			if i.state != StateActive {
				i.mu.Unlock()
				return
			}
			i.current = i.generator.CurrentToken(i.session.SessionID)
			if err := i.publishLocked(ctx); err != nil {
				i.logger.Warn("Publish failed, retaining token for next tick",
					zap.String("session_id", i.session.SessionID),
					zap.Int64("time_slot", i.current.TimeSlot),
					zap.Error(err))
			}
			i.mu.Unlock()
		}
	}
}

func (i *Issuer) publishLocked(ctx context.Context) error {
	adv := model.Advertisement{
		ServiceID:    i.serviceID,
		SessionID:    i.session.SessionID,
		CourseName:   i.session.CourseName,
		Classroom:    i.session.Classroom,
		CurrentToken: i.current.Value,
		TimeSlot:     i.current.TimeSlot,
		Timestamp:    time.Now(),
	}
	return i.transport.Publish(ctx, adv)
}
