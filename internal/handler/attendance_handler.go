package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"attendance-service/internal/authority"
	"attendance-service/internal/service"
	"attendance-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AttendanceHandler handles HTTP requests for the verifying authority
type AttendanceHandler struct {
	attendanceService *service.AttendanceService
	logger            *zap.Logger
}

// NewAttendanceHandler creates a new attendance handler
func NewAttendanceHandler(attendanceService *service.AttendanceService, logger *zap.Logger) *AttendanceHandler {
	return &AttendanceHandler{
		attendanceService: attendanceService,
		logger:            logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// RegisterRoutes registers all attendance routes
func (h *AttendanceHandler) RegisterRoutes(router chi.Router, auth *AuthMiddleware) {
	router.Group(func(r chi.Router) {
		r.Use(auth.Require)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/{sessionID}", h.GetSession)
			r.Post("/{sessionID}/end", h.EndSession)
			r.Get("/{sessionID}/token", h.CurrentToken)
			r.Get("/{sessionID}/analytics", h.SessionAnalytics)
		})

		r.Route("/attendance", func(r chi.Router) {
			r.Post("/token/submit", h.SubmitToken)
			r.Post("/biometric/verify", h.VerifyBiometric)
		})

		r.Post("/students/biometric/enroll", h.EnrollBiometric)
	})
}

// StartSession handles session creation by the supervising teacher
func (h *AttendanceHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.SessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.TeacherID == "" {
		if subject, err := Subject(ctx); err == nil {
			req.TeacherID = subject
		}
	}

	session, err := h.attendanceService.StartSession(ctx, req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start session")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(session, "Session started successfully"))
	h.logger.Info("Session started via HTTP",
		util.String("session_id", session.SessionID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "StartSession"),
	)
}

// GetSession handles session retrieval
func (h *AttendanceHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.attendanceService.GetSession(ctx, sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(session, "Session retrieved successfully"))
}

// EndSession handles ending a class session
func (h *AttendanceHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.attendanceService.EndSession(ctx, sessionID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to end session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session ended successfully"))
	h.logger.Info("Session ended via HTTP",
		util.String("session_id", sessionID),
		util.String("method", "EndSession"),
	)
}

// CurrentToken returns the session's token for the current time slot, for
// the teacher's display
func (h *AttendanceHandler) CurrentToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	token, err := h.attendanceService.CurrentToken(ctx, sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get current token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(token, "Current token retrieved"))
}

// SessionAnalytics returns final-status counts for a session
func (h *AttendanceHandler) SessionAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	counts, err := h.attendanceService.SessionAnalytics(ctx, sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get session analytics")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(counts, "Session analytics retrieved"))
}

// SubmitToken handles a claimant's token submission. Protocol rejections
// (stale, duplicate, unknown session, session ended) are 200 responses with
// accepted=false and a machine-readable reason; error statuses are reserved
// for malformed requests and authority failures.
func (h *AttendanceHandler) SubmitToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	studentID, err := Subject(ctx)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, err, "Authentication required")
		return
	}

	var req authority.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.ObservedAt.IsZero() {
		req.ObservedAt = time.Now()
	}

	result, err := h.attendanceService.SubmitToken(ctx, studentID, req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to process token submission")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Token submission processed"))
	h.logger.Debug("Token submission via HTTP",
		util.String("session_id", req.SessionID),
		util.String("student_id", studentID),
		util.Bool("accepted", result.Accepted),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SubmitToken"),
	)
}

// VerifyBiometric handles the biometric confirmation step and returns the
// authoritative final status
func (h *AttendanceHandler) VerifyBiometric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	studentID, err := Subject(ctx)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, err, "Authentication required")
		return
	}

	var req authority.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.attendanceService.VerifyBiometric(ctx, studentID, req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify biometric assertion")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Attendance finalized"))
	h.logger.Info("Biometric verification via HTTP",
		util.String("session_id", req.SessionID),
		util.String("student_id", studentID),
		util.String("final_status", string(result.FinalStatus)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyBiometric"),
	)
}

// enrollRequest carries a raw biometric template for enrolment
type enrollRequest struct {
	Template string `json:"template"`
}

// EnrollBiometric stores the authenticated student's biometric reference
func (h *AttendanceHandler) EnrollBiometric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	studentID, err := Subject(ctx)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, err, "Authentication required")
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.attendanceService.EnrollBiometric(ctx, studentID, req.Template); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to enrol biometric template")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(nil, "Biometric reference enrolled"))
	h.logger.Info("Biometric enrolment via HTTP",
		util.String("student_id", studentID),
		util.String("method", "EnrollBiometric"),
	)
}

// respondWithJSON sends a JSON response
func (h *AttendanceHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AttendanceHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AttendanceHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoSubmission):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
