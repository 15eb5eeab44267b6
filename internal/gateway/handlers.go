package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/formhook/internal/events"
	"github.com/mattjoyce/formhook/internal/submission"
)

// publicEndpoints is the route list shown to callers. It never contains the
// webhook secret.
func (s *Server) publicEndpoints() []string {
	endpoints := []string{"GET /health", "POST /webhook/:secret"}
	if s.config.DebugToken != "" {
		endpoints = append(endpoints, "GET /debug")
	}
	return endpoints
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, Response{OK: true})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusNotFound, NotFoundResponse{
		OK:                 false,
		Error:              msgNotFound,
		RequestedPath:      r.URL.RequestURI(),
		AvailableEndpoints: s.publicEndpoints(),
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	full := s.webhookRoute()
	if s.config.PublicURL != "" {
		full = strings.TrimRight(s.config.PublicURL, "/") + full
	}
	env := s.config.Environment
	if env == "" {
		env = "development"
	}
	s.respondJSON(w, http.StatusOK, DebugResponse{
		OK:             true,
		Message:        "Debug info",
		WebhookPath:    s.config.WebhookPath,
		FullWebhookURL: full,
		Environment:    env,
		AvailableEndpoints: []string{
			"GET /health",
			"POST " + s.webhookRoute(),
			"GET /debug",
		},
		Outcomes:          s.events.Counts(),
		RecentSubmissions: s.events.SnapshotSince(0),
	})
}

func (s *Server) denyDebug(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("debug endpoint denied",
		"error", err,
		"client_ip", clientIP(r),
		"request_id", middleware.GetReqID(r.Context()),
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="formhook"`)
	s.respondError(w, http.StatusUnauthorized, msgUnauthorized)
}

// handleWebhook validates, records and confirms one form submission.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Once a submission is accepted it is recorded and mailed even if the
	// client goes away. Only the SMTP timeouts bound the send.
	ctx := context.WithoutCancel(r.Context())
	reqID := middleware.GetReqID(ctx)
	logger := s.logger.With("request_id", reqID)

	limited := io.LimitReader(r.Body, s.config.MaxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		logger.Error("failed to read request body", "error", err)
		s.events.Publish(events.Event{Type: events.TypeRejected, RequestID: reqID, Detail: "read_error"})
		s.respondError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.events.Publish(events.Event{Type: events.TypeRejected, RequestID: reqID, Detail: "too_large"})
		s.respondError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
		return
	}

	sub, raw, err := submission.Decode(body)
	if err == nil {
		sub, err = submission.Validate(sub)
	}
	if err != nil {
		var verr *submission.ValidationError
		if errors.As(err, &verr) {
			logger.Info("submission rejected", "reason", verr.Code)
			s.events.Publish(events.Event{Type: events.TypeRejected, RequestID: reqID, Detail: verr.Code})
			s.respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		logger.Error("unexpected validation failure", "error", err)
		s.respondError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	rec, path, err := s.recorder.Record(ctx, raw, clientIP(r), r.UserAgent())
	if err != nil {
		logger.Error("failed to write audit record", "error", err)
		s.events.Publish(events.Event{Type: events.TypeFailed, RequestID: reqID, Detail: "audit"})
		s.respondError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	w.Header().Set("X-Submission-ID", rec.SubmissionID)
	logger = logger.With("submission_id", rec.SubmissionID)
	logger.Info("audit record written", "file", path)
	s.events.Publish(events.Event{Type: events.TypeRecorded, RequestID: reqID, SubmissionID: rec.SubmissionID})

	messageID, err := s.sender.Send(ctx, sub)
	if err != nil {
		logger.Error("failed to send confirmation", "error", err)
		s.events.Publish(events.Event{Type: events.TypeFailed, RequestID: reqID, SubmissionID: rec.SubmissionID, Detail: "mail"})
		s.respondError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	logger.Info("confirmation sent", "message_id", messageID)
	s.events.Publish(events.Event{Type: events.TypeSent, RequestID: reqID, SubmissionID: rec.SubmissionID})
	s.respondJSON(w, http.StatusOK, Response{OK: true, Message: msgSent})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{OK: false, Error: message})
}
