package model

import "time"

// SessionStatus is the lifecycle state of a class session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is a bounded period during which one issuer's tokens are valid and
// attendance claims may be made. Owned exclusively by its TokenIssuer; token
// rotation derives new Token values but never mutates the Session itself.
type Session struct {
	SessionID  string        `json:"session_id"`
	CourseName string        `json:"course_name"`
	Classroom  string        `json:"classroom"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    *time.Time    `json:"end_time,omitempty"`
	TeacherID  string        `json:"teacher_id,omitempty"`
	Status     SessionStatus `json:"status"`
}

// Token is a short opaque string proving knowledge of the current time slot
// for a given session. Pure function of (SessionID, TimeSlot): any party
// holding both computes the same Value without contacting the issuer.
type Token struct {
	SessionID string `json:"session_id"`
	TimeSlot  int64  `json:"time_slot"`
	Value     string `json:"value"`
}

// Advertisement is the envelope a Transport carries from issuer to
// discoverers: session metadata plus the current token.
type Advertisement struct {
	ServiceID    string    `json:"service_id"`
	SessionID    string    `json:"session_id"`
	CourseName   string    `json:"course_name"`
	Classroom    string    `json:"classroom"`
	CurrentToken string    `json:"current_token"`
	TimeSlot     int64     `json:"time_slot"`
	Timestamp    time.Time `json:"timestamp"`
}
