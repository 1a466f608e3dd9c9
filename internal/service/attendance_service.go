package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendance-service/internal/authority"
	"attendance-service/internal/biometric"
	"attendance-service/internal/client"
	"attendance-service/internal/config"
	"attendance-service/internal/model"
	redisrepo "attendance-service/internal/repository/redis"
	"attendance-service/internal/repository/scylla"
	"attendance-service/internal/token"
	"attendance-service/internal/util"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNoSubmission   = errors.New("no token submission recorded for this session")
	ErrInvalidInput   = errors.New("invalid input")
)

// sessionTTL bounds how long an abandoned session stays in the hot registry
const sessionTTL = 12 * time.Hour

// HotCache is the cache surface the service needs; implemented by
// redisrepo.SessionCache
type HotCache interface {
	PutSession(ctx context.Context, session model.Session, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	EndSession(ctx context.Context, sessionID string, gracePeriod time.Duration) error
	MarkSubmission(ctx context.Context, sessionID, studentID, tokenValue string, rotationInterval time.Duration) (bool, error)
	IncrTokenCount(ctx context.Context, sessionID, studentID string, ttl time.Duration) (int, error)
	GetTokenCount(ctx context.Context, sessionID, studentID string) (int, error)
}

// EventSink publishes attendance lifecycle events; implemented by
// client.KafkaProducer
type EventSink interface {
	PublishEvent(ctx context.Context, event client.AttendanceEvent) error
}

// AnalyticsSink records events for aggregate queries; implemented by
// client.ClickHouseClient
type AnalyticsSink interface {
	InsertAttendanceEvent(ctx context.Context, event client.AttendanceEvent) error
	SessionAttendanceCounts(ctx context.Context, sessionID string) (map[string]uint64, error)
}

// AttendanceService is the verifying authority's business logic: session
// lifecycle, token-submission validation and the joint biometric decision.
// It is the single source of truth on token freshness and duplication;
// claimant-side slot checks are advisory only.
type AttendanceService struct {
	store     scylla.AttendanceStore
	cache     HotCache
	generator *token.Generator
	matcher   *biometric.Matcher
	events    EventSink
	analytics AnalyticsSink
	protocol  config.ProtocolConfig
	logger    *zap.Logger
}

// NewAttendanceService wires the authority logic. events and analytics may be
// nil; the protocol decision path never depends on them.
func NewAttendanceService(
	store scylla.AttendanceStore,
	cache HotCache,
	generator *token.Generator,
	matcher *biometric.Matcher,
	events EventSink,
	analytics AnalyticsSink,
	protocol config.ProtocolConfig,
	logger *zap.Logger,
) *AttendanceService {
	return &AttendanceService{
		store:     store,
		cache:     cache,
		generator: generator,
		matcher:   matcher,
		events:    events,
		analytics: analytics,
		protocol:  protocol,
		logger:    logger,
	}
}

// SessionCreateRequest starts a class session
type SessionCreateRequest struct {
	CourseName string `json:"course_name"`
	Classroom  string `json:"classroom"`
	TeacherID  string `json:"teacher_id"`
}

// StartSession registers a new active session and returns it. Tokens need no
// server-side rotation task: they are recomputed from the wall clock on
// demand.
func (s *AttendanceService) StartSession(ctx context.Context, req SessionCreateRequest) (*model.Session, error) {
	req.CourseName = util.SanitizeInput(req.CourseName)
	req.Classroom = util.SanitizeInput(req.Classroom)
	if req.CourseName == "" || req.Classroom == "" {
		return nil, fmt.Errorf("%w: course_name and classroom are required", ErrInvalidInput)
	}

	session := model.Session{
		SessionID:  uuid.New().String(),
		CourseName: req.CourseName,
		Classroom:  req.Classroom,
		TeacherID:  req.TeacherID,
		StartTime:  time.Now(),
		Status:     model.SessionActive,
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	if err := s.cache.PutSession(ctx, session, sessionTTL); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	s.emit(ctx, client.AttendanceEvent{
		EventType: client.EventSessionStarted,
		SessionID: session.SessionID,
	})

	s.logger.Info("Session started",
		zap.String("session_id", session.SessionID),
		zap.String("course_name", session.CourseName),
		zap.String("classroom", session.Classroom))

	return &session, nil
}

// EndSession marks a session ended. The registry entry survives for one
// rotation interval so a straggling submission rejects with session_ended
// rather than unknown_session.
func (s *AttendanceService) EndSession(ctx context.Context, sessionID string) error {
	session, err := s.lookupSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == model.SessionEnded {
		return nil
	}

	now := time.Now()
	if err := s.store.EndSession(ctx, sessionID, now); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if err := s.cache.EndSession(ctx, sessionID, s.protocol.RotationInterval); err != nil {
		s.logger.Warn("Failed to update session registry",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	s.emit(ctx, client.AttendanceEvent{
		EventType: client.EventSessionEnded,
		SessionID: sessionID,
	})

	s.logger.Info("Session ended", zap.String("session_id", sessionID))
	return nil
}

// CurrentToken recomputes the session's token for the current time slot, for
// the supervising teacher's display
func (s *AttendanceService) CurrentToken(ctx context.Context, sessionID string) (*model.Token, error) {
	session, err := s.lookupSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionActive {
		return nil, fmt.Errorf("%w: session has ended", ErrUnknownSession)
	}

	current := s.generator.CurrentToken(sessionID)
	return &current, nil
}

// GetSession returns the session record
func (s *AttendanceService) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.lookupSession(ctx, sessionID)
}

// SubmitToken renders the authority's verdict on one observed token.
// Rejections are results, not errors: accepted=false with a machine-readable
// reason (stale_token, duplicate_submission, unknown_session, session_ended).
func (s *AttendanceService) SubmitToken(ctx context.Context, studentID string, req authority.SubmitRequest) (*model.SubmitResult, error) {
	if studentID == "" || req.SessionID == "" || req.TokenValue == "" {
		return nil, fmt.Errorf("%w: student, session and token are required", ErrInvalidInput)
	}

	session, err := s.lookupSession(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			return s.rejectSubmit(ctx, studentID, req, model.ReasonUnknownSession), nil
		}
		return nil, err
	}
	if session.Status != model.SessionActive {
		return s.rejectSubmit(ctx, studentID, req, model.ReasonSessionEnded), nil
	}

	slot, ok := s.matchSlot(req.SessionID, req.TokenValue)
	if !ok {
		return s.rejectSubmit(ctx, studentID, req, model.ReasonStaleToken), nil
	}

	fresh, err := s.cache.MarkSubmission(ctx, req.SessionID, studentID, req.TokenValue, s.protocol.RotationInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to check submission: %w", err)
	}
	if !fresh {
		return s.rejectSubmit(ctx, studentID, req, model.ReasonDuplicateSubmission), nil
	}

	attempt, err := s.store.GetAttempt(ctx, req.SessionID, studentID)
	if err != nil {
		if !errors.Is(err, scylla.ErrAttemptNotFound) {
			return nil, fmt.Errorf("failed to load attempt: %w", err)
		}
		attempt = &model.AttendanceAttempt{
			AttemptID:   uuid.New().String(),
			SessionID:   req.SessionID,
			StudentID:   studentID,
			FinalStatus: model.StatusPending,
			CheckInTime: req.ObservedAt,
		}
	}

	count, err := s.cache.IncrTokenCount(ctx, req.SessionID, studentID, sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to count submission: %w", err)
	}

	attempt.SubmittedToken = req.TokenValue
	attempt.TokenCount = count

	if err := s.store.UpsertAttempt(ctx, *attempt); err != nil {
		return nil, fmt.Errorf("failed to save attempt: %w", err)
	}
	if err := s.store.RecordSubmission(ctx, req.SessionID, studentID, req.TokenValue, slot, req.RSSI, req.ObservedAt); err != nil {
		s.logger.Warn("Failed to record submission history",
			zap.String("session_id", req.SessionID), zap.Error(err))
	}

	s.emit(ctx, client.AttendanceEvent{
		EventType:  client.EventTokenAccepted,
		SessionID:  req.SessionID,
		StudentID:  studentID,
		TokenValue: req.TokenValue,
		TokenCount: count,
	})

	s.logger.Info("Token accepted",
		zap.String("session_id", req.SessionID),
		zap.String("student_id", studentID),
		zap.Int64("time_slot", slot),
		zap.Int("token_count", count))

	return &model.SubmitResult{
		Accepted:    true,
		TokenCount:  count,
		FinalStatus: attempt.FinalStatus,
	}, nil
}

// VerifyBiometric renders the final attendance decision jointly over the
// token-submission record and the biometric assertion. The returned
// final_status is authoritative.
func (s *AttendanceService) VerifyBiometric(ctx context.Context, studentID string, req authority.VerifyRequest) (*model.BiometricResult, error) {
	if studentID == "" || req.SessionID == "" || req.Assertion == "" {
		return nil, fmt.Errorf("%w: student, session and assertion are required", ErrInvalidInput)
	}

	if _, err := s.lookupSession(ctx, req.SessionID); err != nil {
		return nil, err
	}

	attempt, err := s.store.GetAttempt(ctx, req.SessionID, studentID)
	if err != nil {
		if errors.Is(err, scylla.ErrAttemptNotFound) {
			return nil, ErrNoSubmission
		}
		return nil, fmt.Errorf("failed to load attempt: %w", err)
	}

	verified := false
	ref, err := s.store.GetBiometricReference(ctx, studentID)
	if err != nil {
		if !errors.Is(err, scylla.ErrStudentNotFound) {
			return nil, fmt.Errorf("failed to load biometric reference: %w", err)
		}
		// no enrolment on file: assertion cannot verify
	} else {
		verified, err = s.matcher.Verify(req.Assertion, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to verify assertion: %w", err)
		}
	}

	count, err := s.cache.GetTokenCount(ctx, req.SessionID, studentID)
	if err != nil || count == 0 {
		count = attempt.TokenCount
	}

	now := time.Now()
	attempt.BiometricPassed = verified
	attempt.TokenCount = count
	attempt.CheckOutTime = &now
	if verified && count >= 1 {
		attempt.FinalStatus = model.StatusPresent
	} else {
		attempt.FinalStatus = model.StatusRejected
	}

	if err := s.store.UpsertAttempt(ctx, *attempt); err != nil {
		return nil, fmt.Errorf("failed to finalize attempt: %w", err)
	}

	s.emit(ctx, client.AttendanceEvent{
		EventType:   client.EventFinalized,
		SessionID:   req.SessionID,
		StudentID:   studentID,
		FinalStatus: string(attempt.FinalStatus),
		TokenCount:  count,
	})

	s.logger.Info("Attendance finalized",
		zap.String("session_id", req.SessionID),
		zap.String("student_id", studentID),
		zap.Bool("verified", verified),
		zap.String("final_status", string(attempt.FinalStatus)))

	return &model.BiometricResult{
		FinalStatus: attempt.FinalStatus,
		Verified:    verified,
		TokenCount:  count,
	}, nil
}

// EnrollBiometric derives and stores a student's biometric reference
func (s *AttendanceService) EnrollBiometric(ctx context.Context, studentID, template string) error {
	if studentID == "" || template == "" {
		return fmt.Errorf("%w: student and template are required", ErrInvalidInput)
	}

	ref, err := s.matcher.Enroll(template)
	if err != nil {
		return fmt.Errorf("failed to enrol template: %w", err)
	}
	if err := s.store.PutBiometricReference(ctx, studentID, ref); err != nil {
		return err
	}

	s.logger.Info("Biometric reference enrolled", zap.String("student_id", studentID))
	return nil
}

// SessionAnalytics returns final-status counts for the teaching dashboard
func (s *AttendanceService) SessionAnalytics(ctx context.Context, sessionID string) (map[string]uint64, error) {
	if s.analytics == nil {
		return nil, errors.New("analytics sink not configured")
	}
	if _, err := s.lookupSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.analytics.SessionAttendanceCounts(ctx, sessionID)
}

// lookupSession prefers the hot registry and falls back to the durable store
func (s *AttendanceService) lookupSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.cache.GetSession(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, redisrepo.ErrSessionNotFound) {
		s.logger.Warn("Session registry lookup failed, falling back to store",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	session, err = s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrSessionNotFound) {
			return nil, ErrUnknownSession
		}
		return nil, err
	}
	return session, nil
}

// matchSlot checks the token against the current slot and the configured
// grace window, returning the slot it matched
func (s *AttendanceService) matchSlot(sessionID, tokenValue string) (int64, bool) {
	current := s.generator.CurrentSlot()
	for slot := current; slot >= current-s.protocol.GraceSlots; slot-- {
		if s.generator.Generate(sessionID, slot) == tokenValue {
			return slot, true
		}
	}
	return 0, false
}

func (s *AttendanceService) rejectSubmit(ctx context.Context, studentID string, req authority.SubmitRequest, reason string) *model.SubmitResult {
	s.emit(ctx, client.AttendanceEvent{
		EventType:  client.EventTokenRejected,
		SessionID:  req.SessionID,
		StudentID:  studentID,
		TokenValue: req.TokenValue,
	})

	s.logger.Info("Token rejected",
		zap.String("session_id", req.SessionID),
		zap.String("student_id", studentID),
		zap.String("reason", reason))

	return &model.SubmitResult{
		Accepted:    false,
		Reason:      reason,
		FinalStatus: model.StatusPending,
	}
}

// emit publishes to the event stream and the analytics sink; both are
// best-effort and never fail the protocol decision
func (s *AttendanceService) emit(ctx context.Context, event client.AttendanceEvent) {
	event.Timestamp = time.Now()

	if s.events != nil {
		if err := s.events.PublishEvent(ctx, event); err != nil {
			s.logger.Warn("Failed to publish attendance event",
				zap.String("event_type", event.EventType), zap.Error(err))
		}
	}
	if s.analytics != nil {
		if err := s.analytics.InsertAttendanceEvent(ctx, event); err != nil {
			s.logger.Warn("Failed to record analytics event",
				zap.String("event_type", event.EventType), zap.Error(err))
		}
	}
}
