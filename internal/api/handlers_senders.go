package api

import (
	"errors"
	"net/http"
	"net/mail"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/mailsched/internal/auth"
	"github.com/ignite/mailsched/internal/pkg/httputil"
	"github.com/ignite/mailsched/internal/store"
)

type senderRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	SMTPHost     string `json:"smtpHost"`
	SMTPPort     int    `json:"smtpPort"`
	SMTPUser     string `json:"smtpUser"`
	SMTPPassword string `json:"smtpPassword"`
	IsDefault    bool   `json:"isDefault"`
	IsActive     *bool  `json:"isActive"`
}

func (req *senderRequest) validate() string {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return "email must be a valid address"
	}
	if req.Name == "" {
		return "name is required"
	}
	if req.SMTPPort < 0 || req.SMTPPort > 65535 {
		return "smtpPort must be between 0 and 65535"
	}
	if (req.SMTPHost == "") != (req.SMTPPort == 0) {
		return "smtpHost and smtpPort must be set together"
	}
	return ""
}

func (req *senderRequest) toSender() *store.Sender {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &store.Sender{
		Email:        req.Email,
		Name:         req.Name,
		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
		SMTPUser:     req.SMTPUser,
		SMTPPassword: req.SMTPPassword,
		IsDefault:    req.IsDefault,
		IsActive:     active,
	}
}

func (s *Server) handleCreateSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req senderRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.BadRequest(w, msg)
		return
	}

	sender := req.toSender()
	sender.UserID = principal.UserID

	created, err := s.store.CreateSender(r.Context(), sender)
	if errors.Is(err, store.ErrConflict) {
		httputil.Conflict(w, "a sender with this email already exists")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, created)
}

func (s *Server) handleListSenders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	senders, err := s.store.ListSenders(r.Context(), principal.UserID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, senders)
}

func (s *Server) handleGetSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sender, err := s.store.GetUserSender(r.Context(), principal.UserID, id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "sender not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, sender)
}

func (s *Server) handleUpdateSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req senderRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.BadRequest(w, msg)
		return
	}

	sender := req.toSender()
	sender.ID = id

	updated, err := s.store.UpdateSender(r.Context(), principal.UserID, sender)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "sender not found")
	case errors.Is(err, store.ErrConflict):
		httputil.Conflict(w, "a sender with this email already exists")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, updated)
	}
}

func (s *Server) handleDeleteSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	err := s.store.DeleteSender(r.Context(), principal.UserID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "sender not found")
	case errors.Is(err, store.ErrConflict):
		httputil.Conflict(w, "cannot delete the only sender")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OKMessage(w, "sender deleted")
	}
}

// pathUUID parses a UUID path parameter, writing a 400 when malformed.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httputil.BadRequest(w, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
