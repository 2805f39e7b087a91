package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailsched/internal/auth"
	"github.com/ignite/mailsched/internal/pkg/httputil"
	"github.com/ignite/mailsched/internal/pkg/logger"
	"github.com/ignite/mailsched/internal/scheduler"
	"github.com/ignite/mailsched/internal/store"
)

const (
	maxRecipients  = 1000
	maxDelaySec    = 3600
	maxHourlyLimit = 1000
)

type scheduleRequest struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	StartTime  string   `json:"startTime"` // RFC 3339; empty means now
	// delaySeconds is accepted as a legacy alias for delayBetweenEmails.
	DelayBetweenEmails *int   `json:"delayBetweenEmails"`
	DelaySeconds       *int   `json:"delaySeconds"`
	HourlyLimit        *int   `json:"hourlyLimit"`
	SenderID           string `json:"senderId"`
}

// delay resolves the inter-message spacing in seconds, preferring the
// documented key over its alias. Nil means the client sent neither.
func (r scheduleRequest) delay() *int {
	if r.DelayBetweenEmails != nil {
		return r.DelayBetweenEmails
	}
	return r.DelaySeconds
}

type scheduleResponse struct {
	Batch    *store.Batch     `json:"batch"`
	Messages []*store.Message `json:"messages"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "recipients must not be empty")
		return
	}
	if len(req.Recipients) > maxRecipients {
		httputil.BadRequest(w, fmt.Sprintf("at most %d recipients per batch", maxRecipients))
		return
	}
	for _, rcpt := range req.Recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			httputil.BadRequest(w, "invalid recipient address: "+rcpt)
			return
		}
	}
	if req.Subject == "" {
		httputil.BadRequest(w, "subject is required")
		return
	}
	if req.Body == "" {
		httputil.BadRequest(w, "body is required")
		return
	}

	startTime := time.Now().UTC()
	if req.StartTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			httputil.BadRequest(w, "startTime must be an RFC 3339 timestamp")
			return
		}
		startTime = t
	}

	delaySec := 0
	if d := req.delay(); d != nil {
		delaySec = *d
	}
	if delaySec < 0 || delaySec > maxDelaySec {
		httputil.BadRequest(w, fmt.Sprintf("delayBetweenEmails must be between 0 and %d", maxDelaySec))
		return
	}

	hourlyLimit := maxHourlyLimit
	if req.HourlyLimit != nil {
		hourlyLimit = *req.HourlyLimit
	}
	if hourlyLimit < 1 || hourlyLimit > maxHourlyLimit {
		httputil.BadRequest(w, fmt.Sprintf("hourlyLimit must be between 1 and %d", maxHourlyLimit))
		return
	}

	var senderID *uuid.UUID
	if req.SenderID != "" {
		id, err := uuid.Parse(req.SenderID)
		if err != nil {
			httputil.BadRequest(w, "senderId must be a valid UUID")
			return
		}
		senderID = &id
	}

	batch, msgs, err := s.scheduler.ScheduleBatch(r.Context(), scheduler.Request{
		UserID:       principal.UserID,
		SenderID:     senderID,
		Recipients:   req.Recipients,
		Subject:      req.Subject,
		Body:         req.Body,
		StartTime:    startTime,
		DelaySeconds: delaySec,
		HourlyLimit:  hourlyLimit,
	})
	switch {
	case errors.Is(err, scheduler.ErrInvalidSender):
		httputil.BadRequest(w, err.Error())
		return
	case errors.Is(err, scheduler.ErrNoSender):
		httputil.Conflict(w, err.Error())
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}

	logger.Info("batch scheduled",
		"batchId", batch.ID.String(),
		"userId", principal.UserID.String(),
		"total", batch.TotalEmails,
		"startTime", batch.StartTime.Format(time.RFC3339))
	httputil.Created(w, scheduleResponse{Batch: batch, Messages: msgs})
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	terminal := false
	s.listMessages(w, r, store.ListOptions{Terminal: &terminal, SortBy: "scheduledAt"})
}

func (s *Server) handleListSent(w http.ResponseWriter, r *http.Request) {
	terminal := true
	s.listMessages(w, r, store.ListOptions{Terminal: &terminal, SortBy: "sentAt", SortOrder: "desc"})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, opts store.ListOptions) {
	principal, _ := auth.FromContext(r.Context())
	q := r.URL.Query()

	opts.Page, _ = strconv.Atoi(q.Get("page"))
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	if v := q.Get("sortBy"); v != "" {
		opts.SortBy = v
	}
	if v := q.Get("sortOrder"); v != "" {
		opts.SortOrder = v
	}
	if v := q.Get("status"); v != "" {
		status := store.MessageStatus(v)
		if !status.Valid() {
			httputil.BadRequest(w, "unknown status: "+v)
			return
		}
		opts.Status = &status
		opts.Terminal = nil
	}
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 || opts.Limit > 100 {
		opts.Limit = 20
	}

	msgs, total, err := s.store.ListMessages(r.Context(), principal.UserID, opts)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	httputil.Paginated(w, msgs, httputil.NewPagination(opts.Page, opts.Limit, total))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	stats, err := s.store.GetStats(r.Context(), principal.UserID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	msg, err := s.store.GetUserMessage(r.Context(), principal.UserID, id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "message not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, msg)
}

// handleCancelMessage cancels a pending message. The row is removed first so
// a concurrent delivery of the queue job finds nothing and drops itself; the
// queue removal afterwards is best effort.
func (s *Server) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	msg, err := s.store.GetUserMessage(r.Context(), principal.UserID, id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "message not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	err = s.store.DeleteMessage(r.Context(), principal.UserID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "message not found")
		return
	case errors.Is(err, store.ErrConflict):
		httputil.Conflict(w, "message is processing or already terminal")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}

	if msg.JobID != "" && s.queue != nil {
		if _, err := s.queue.Remove(r.Context(), msg.JobID); err != nil {
			logger.Warn("queue job removal failed",
				"messageId", id.String(), "jobKey", msg.JobID, "error", err.Error())
		}
	}

	logger.Info("message cancelled",
		"messageId", id.String(),
		"recipient", logger.RedactEmail(msg.Recipient))
	httputil.OKMessage(w, "message cancelled")
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	batch, err := s.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "batch not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if batch.UserID != principal.UserID {
		httputil.Forbidden(w, "batch belongs to another account")
		return
	}
	httputil.OK(w, batch)
}
