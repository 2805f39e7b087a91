package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// SMTPTransport delivers mail with go-mail. Clients are pooled per endpoint
// so a batch fanned out across workers reuses connections to the same host
// instead of redialing for every message.
type SMTPTransport struct {
	mu      sync.Mutex
	clients map[string]*mail.Client
}

func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{clients: make(map[string]*mail.Client)}
}

func endpointKey(cfg SMTPConfig) string {
	return fmt.Sprintf("%s:%d:%s", cfg.Host, cfg.Port, cfg.User)
}

func (t *SMTPTransport) client(cfg SMTPConfig) (*mail.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := endpointKey(cfg)
	if c, ok := t.clients[key]; ok {
		return c, nil
	}

	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	t.clients[key] = c
	return c, nil
}

// Send builds a multipart message (HTML plus plain-text alternative) and
// delivers it through the envelope's endpoint.
func (t *SMTPTransport) Send(ctx context.Context, env Envelope) (*Result, error) {
	if env.SMTP.Host == "" {
		return nil, fmt.Errorf("send to %s: no smtp endpoint configured", env.To)
	}

	c, err := t.client(env.SMTP)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(env.FromName, env.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", env.FromEmail, err)
	}
	if err := msg.To(env.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", env.To, err)
	}
	msg.Subject(env.Subject)

	text := env.Text
	if text == "" {
		text = HTMLToText(env.HTML)
	}
	msg.SetBodyString(mail.TypeTextPlain, text)
	msg.AddAlternativeString(mail.TypeTextHTML, env.HTML)

	messageID := fmt.Sprintf("<%s@%s>", uuid.New(), env.SMTP.Host)
	msg.SetMessageIDWithValue(messageID)

	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return nil, fmt.Errorf("smtp send to %s: %w", env.To, err)
	}
	return &Result{MessageID: messageID}, nil
}

// Close drops all pooled clients.
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, c := range t.clients {
		_ = c.Close()
		delete(t.clients, key)
	}
	return nil
}
