package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"attendance-service/internal/biometric"
	"attendance-service/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAttemptNotFound = errors.New("attendance attempt not found")
	ErrStudentNotFound = errors.New("student not found")
)

// AttendanceStore is the durable system of record behind the authority:
// sessions, attendance attempts, token submissions and enrolled biometric
// references survive restarts here while Redis carries the hot state.
type AttendanceStore interface {
	CreateSession(ctx context.Context, session model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	EndSession(ctx context.Context, sessionID string, endTime time.Time) error

	UpsertAttempt(ctx context.Context, attempt model.AttendanceAttempt) error
	GetAttempt(ctx context.Context, sessionID, studentID string) (*model.AttendanceAttempt, error)
	RecordSubmission(ctx context.Context, sessionID, studentID, tokenValue string, timeSlot int64, rssi int, observedAt time.Time) error

	PutBiometricReference(ctx context.Context, studentID string, ref *biometric.Reference) error
	GetBiometricReference(ctx context.Context, studentID string) (*biometric.Reference, error)

	HealthCheck(ctx context.Context) error
}

// attendanceStore is the ScyllaDB implementation
type attendanceStore struct {
	client *ScyllaClient
	logger *zap.Logger
}

// NewAttendanceStore creates the Scylla-backed store
func NewAttendanceStore(client *ScyllaClient, logger *zap.Logger) AttendanceStore {
	return &attendanceStore{
		client: client,
		logger: logger,
	}
}

func (s *attendanceStore) CreateSession(ctx context.Context, session model.Session) error {
	query := `INSERT INTO sessions (session_id, course_name, classroom, teacher_id, start_time, status)
		VALUES (?, ?, ?, ?, ?, ?)`

	err := s.client.Session.Query(query,
		session.SessionID,
		session.CourseName,
		session.Classroom,
		session.TeacherID,
		session.StartTime,
		string(session.Status),
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Debug("Session persisted", zap.String("session_id", session.SessionID))
	return nil
}

func (s *attendanceStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	query := `SELECT session_id, course_name, classroom, teacher_id, start_time, end_time, status
		FROM sessions WHERE session_id = ?`

	var session model.Session
	var status string
	var endTime time.Time

	err := s.client.Session.Query(query, sessionID).WithContext(ctx).Scan(
		&session.SessionID,
		&session.CourseName,
		&session.Classroom,
		&session.TeacherID,
		&session.StartTime,
		&endTime,
		&status,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.Status = model.SessionStatus(status)
	if !endTime.IsZero() {
		session.EndTime = &endTime
	}

	return &session, nil
}

func (s *attendanceStore) EndSession(ctx context.Context, sessionID string, endTime time.Time) error {
	query := `UPDATE sessions SET status = ?, end_time = ? WHERE session_id = ?`

	err := s.client.Session.Query(query, string(model.SessionEnded), endTime, sessionID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

func (s *attendanceStore) UpsertAttempt(ctx context.Context, attempt model.AttendanceAttempt) error {
	query := `INSERT INTO attendance_attempts
		(session_id, student_id, attempt_id, submitted_token, token_count, biometric_passed, final_status, check_in_time, check_out_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var checkOut time.Time
	if attempt.CheckOutTime != nil {
		checkOut = *attempt.CheckOutTime
	}

	err := s.client.Session.Query(query,
		attempt.SessionID,
		attempt.StudentID,
		attempt.AttemptID,
		attempt.SubmittedToken,
		attempt.TokenCount,
		attempt.BiometricPassed,
		string(attempt.FinalStatus),
		attempt.CheckInTime,
		checkOut,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to upsert attendance attempt: %w", err)
	}
	return nil
}

func (s *attendanceStore) GetAttempt(ctx context.Context, sessionID, studentID string) (*model.AttendanceAttempt, error) {
	query := `SELECT attempt_id, session_id, student_id, submitted_token, token_count, biometric_passed, final_status, check_in_time, check_out_time
		FROM attendance_attempts WHERE session_id = ? AND student_id = ?`

	var attempt model.AttendanceAttempt
	var status string
	var checkOut time.Time

	err := s.client.Session.Query(query, sessionID, studentID).WithContext(ctx).Scan(
		&attempt.AttemptID,
		&attempt.SessionID,
		&attempt.StudentID,
		&attempt.SubmittedToken,
		&attempt.TokenCount,
		&attempt.BiometricPassed,
		&status,
		&attempt.CheckInTime,
		&checkOut,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attendance attempt: %w", err)
	}

	attempt.FinalStatus = model.FinalStatus(status)
	if !checkOut.IsZero() {
		attempt.CheckOutTime = &checkOut
	}

	return &attempt, nil
}

func (s *attendanceStore) RecordSubmission(ctx context.Context, sessionID, studentID, tokenValue string, timeSlot int64, rssi int, observedAt time.Time) error {
	query := `INSERT INTO token_submissions
		(session_id, student_id, token_value, time_slot, rssi, observed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := s.client.Session.Query(query,
		sessionID,
		studentID,
		tokenValue,
		timeSlot,
		rssi,
		observedAt,
		time.Now(),
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to record token submission: %w", err)
	}
	return nil
}

func (s *attendanceStore) PutBiometricReference(ctx context.Context, studentID string, ref *biometric.Reference) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal biometric reference: %w", err)
	}

	query := `INSERT INTO biometric_references (student_id, reference, enrolled_at) VALUES (?, ?, ?)`
	err = s.client.Session.Query(query, studentID, string(payload), time.Now()).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to store biometric reference: %w", err)
	}
	return nil
}

func (s *attendanceStore) GetBiometricReference(ctx context.Context, studentID string) (*biometric.Reference, error) {
	query := `SELECT reference FROM biometric_references WHERE student_id = ?`

	var payload string
	err := s.client.Session.Query(query, studentID).WithContext(ctx).Scan(&payload)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrStudentNotFound
		}
		return nil, fmt.Errorf("failed to get biometric reference: %w", err)
	}

	var ref biometric.Reference
	if err := json.Unmarshal([]byte(payload), &ref); err != nil {
		return nil, fmt.Errorf("failed to unmarshal biometric reference: %w", err)
	}

	return &ref, nil
}

func (s *attendanceStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck()
}
