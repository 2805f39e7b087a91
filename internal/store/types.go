package store

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus enumerates the message state machine.
type MessageStatus string

const (
	StatusScheduled   MessageStatus = "SCHEDULED"
	StatusProcessing  MessageStatus = "PROCESSING"
	StatusSent        MessageStatus = "SENT"
	StatusFailed      MessageStatus = "FAILED"
	StatusRateLimited MessageStatus = "RATE_LIMITED"
)

// Terminal reports whether no further transition may leave the status.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is one of the enumerated statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusProcessing, StatusSent, StatusFailed, StatusRateLimited:
		return true
	}
	return false
}

// User is a tenant account resolved from an external identity.
type User struct {
	ID        uuid.UUID `json:"id"`
	GoogleID  string    `json:"googleId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sender is a user-owned outbound identity, optionally carrying a private
// SMTP transport configuration.
type Sender struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"userId"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	SMTPHost     string    `json:"smtpHost,omitempty"`
	SMTPPort     int       `json:"smtpPort,omitempty"`
	SMTPUser     string    `json:"smtpUser,omitempty"`
	SMTPPassword string    `json:"-"`
	IsDefault    bool      `json:"isDefault"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasTransport reports whether the sender carries its own SMTP configuration.
func (s *Sender) HasTransport() bool {
	return s.SMTPHost != "" && s.SMTPPort != 0
}

// Batch groups the messages created by one schedule request.
type Batch struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"userId"`
	TotalEmails     int       `json:"totalEmails"`
	ScheduledEmails int       `json:"scheduledEmails"`
	SentEmails      int       `json:"sentEmails"`
	FailedEmails    int       `json:"failedEmails"`
	StartTime       time.Time `json:"startTime"`
	DelaySeconds    int       `json:"delaySeconds"`
	HourlyLimit     int       `json:"hourlyLimit"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Message is one prospective email delivery.
type Message struct {
	ID                uuid.UUID     `json:"id"`
	UserID            uuid.UUID     `json:"userId"`
	SenderID          *uuid.UUID    `json:"senderId,omitempty"`
	BatchID           uuid.UUID     `json:"batchId"`
	BatchIndex        int           `json:"batchIndex"`
	Recipient         string        `json:"recipient"`
	Subject           string        `json:"subject"`
	Body              string        `json:"body"`
	ScheduledAt       time.Time     `json:"scheduledAt"`
	SentAt            *time.Time    `json:"sentAt,omitempty"`
	Status            MessageStatus `json:"status"`
	ErrorMessage      string        `json:"errorMessage,omitempty"`
	RetryCount        int           `json:"retryCount"`
	MaxRetries        int           `json:"maxRetries"`
	JobID             string        `json:"jobId,omitempty"`
	ProviderMessageID string        `json:"providerMessageId,omitempty"`
	PreviewURL        string        `json:"previewUrl,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// MessageStats are the per-user status counts for the stats endpoint.
type MessageStats struct {
	Scheduled   int `json:"scheduled"`
	Processing  int `json:"processing"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rateLimited"`
	Total       int `json:"total"`
}
