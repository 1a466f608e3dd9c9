package model

import "time"

// FinalStatus is the authority's recorded attendance decision
type FinalStatus string

const (
	StatusPresent  FinalStatus = "present"
	StatusRejected FinalStatus = "rejected"
	StatusPending  FinalStatus = "pending"
)

// Rejection reasons returned by the authority on token submission
const (
	ReasonStaleToken          = "stale_token"
	ReasonDuplicateSubmission = "duplicate_submission"
	ReasonUnknownSession      = "unknown_session"
	ReasonSessionEnded        = "session_ended"
)

// DiscoveryRecord is a point-in-time snapshot of an advertised session as
// seen by a scanning claimant. Transient; never persisted.
type DiscoveryRecord struct {
	SessionID     string    `json:"session_id"`
	CourseName    string    `json:"course_name"`
	Classroom     string    `json:"classroom"`
	TokenValue    string    `json:"token_value"`
	TimeSlot      int64     `json:"time_slot"`
	SignalQuality int       `json:"signal_quality"`
	ObservedAt    time.Time `json:"observed_at"`
}

// SubmitResult is the authority's decision on a submitted token
type SubmitResult struct {
	Accepted    bool        `json:"accepted"`
	Reason      string      `json:"reason,omitempty"`
	TokenCount  int         `json:"token_count"`
	FinalStatus FinalStatus `json:"final_status"`
}

// BiometricResult is the authority's joint decision over the token-submission
// record and the biometric assertion. FinalStatus here is authoritative; the
// claimant must adopt it verbatim.
type BiometricResult struct {
	FinalStatus FinalStatus `json:"final_status"`
	Verified    bool        `json:"verified"`
	TokenCount  int         `json:"token_count"`
}

// AttendanceAttempt tracks one claimant's protocol run against one session.
// Mutated through each state transition, terminal once FinalStatus leaves
// pending. A prior attempt is immutable history; a fresh run creates a new one.
type AttendanceAttempt struct {
	AttemptID       string      `json:"attempt_id"`
	SessionID       string      `json:"session_id"`
	StudentID       string      `json:"student_id"`
	SubmittedToken  string      `json:"submitted_token"`
	TokenCount      int         `json:"token_count"`
	BiometricPassed bool        `json:"biometric_passed"`
	FinalStatus     FinalStatus `json:"final_status"`
	CheckInTime     time.Time   `json:"check_in_time"`
	CheckOutTime    *time.Time  `json:"check_out_time,omitempty"`
}

// Terminal reports whether the attempt has reached a final decision
func (a *AttendanceAttempt) Terminal() bool {
	return a.FinalStatus != StatusPending
}
