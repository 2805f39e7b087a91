// Package transport delivers rendered emails over SMTP. The worker depends
// only on the Transport interface so tests can swap in fakes and local
// development can run without a mail server.
package transport

import "context"

// SMTPConfig is one SMTP endpoint. Senders may carry their own; otherwise
// the platform default applies.
type SMTPConfig struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS (port 465 style) instead of STARTTLS
	User     string
	Password string
}

// Envelope is a fully-resolved outbound email.
type Envelope struct {
	SMTP      SMTPConfig
	FromName  string
	FromEmail string
	To        string
	Subject   string
	HTML      string
	Text      string // plain-text alternative; derived from HTML when empty
}

// Result reports a successful delivery.
type Result struct {
	MessageID  string
	PreviewURL string // only populated by non-delivering dev transports
}

// Transport sends one envelope. Implementations must be safe for concurrent
// use by the worker pool.
type Transport interface {
	Send(ctx context.Context, env Envelope) (*Result, error)
	Close() error
}
