package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bissquit/xconfess/internal/pkg/pii"
	"github.com/bissquit/xconfess/internal/recipient"
)

// Message is an email ready for delivery.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers email. Errors are retried by the worker.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// RecipientResolver turns user ids into deliverable addresses.
type RecipientResolver interface {
	ResolveRecipient(ctx context.Context, userID string) recipient.Resolution
}

// EmailHandler executes every built-in notification job: it resolves the
// recipient, renders the template and hands the message to the Mailer.
type EmailHandler struct {
	resolver RecipientResolver
	renderer *Renderer
	mailer   Mailer
	logger   *slog.Logger
}

// NewEmailHandler creates an email job handler.
func NewEmailHandler(resolver RecipientResolver, renderer *Renderer, mailer Mailer, logger *slog.Logger) *EmailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailHandler{
		resolver: resolver,
		renderer: renderer,
		mailer:   mailer,
		logger:   logger,
	}
}

// Register binds the handler to every built-in job name.
func (h *EmailHandler) Register(registry *Registry) {
	for _, name := range JobNames {
		registry.Register(name, h)
	}
}

// Handle implements JobHandler. A recipient that cannot be notified is a
// skip, not a failure.
func (h *EmailHandler) Handle(ctx context.Context, job *Job) error {
	p, err := decodePayload(job.Name, job.Payload)
	if err != nil {
		return err
	}

	to, ok, err := h.recipientAddress(ctx, job, p.envelope())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	subject, body, err := h.renderer.Render(job.Name, p)
	if err != nil {
		return fmt.Errorf("render %s: %w", job.Name, err)
	}

	if err := h.mailer.Send(ctx, Message{To: to, Subject: subject, Body: body}); err != nil {
		return redact(fmt.Errorf("send %s: %w", job.Name, err), to)
	}

	h.logger.Info("notification sent",
		"job_id", job.ID,
		"job_name", job.Name,
		"recipient", pii.MaskEmail(to),
	)
	return nil
}

func (h *EmailHandler) recipientAddress(ctx context.Context, job *Job, env Envelope) (string, bool, error) {
	if env.RecipientUserID != "" {
		res := h.resolver.ResolveRecipient(ctx, env.RecipientUserID)
		if !res.CanNotify {
			h.logger.Info("skipping notification, recipient cannot be notified",
				"job_id", job.ID,
				"job_name", job.Name,
				"user_id", env.RecipientUserID,
				"reason", res.Reason,
			)
			return "", false, nil
		}
		return res.Email, true, nil
	}

	if email := strings.TrimSpace(env.RecipientEmail); email != "" {
		return email, true, nil
	}

	return "", false, fmt.Errorf("%w: %s", ErrMissingRecipient, job.Name)
}

// redactedError replaces a recipient address in an error message with its
// masked form so failure reasons stored on jobs never carry the address.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, email string) error {
	msg := err.Error()
	if email == "" || !strings.Contains(msg, email) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(msg, email, pii.MaskEmail(email)), err: err}
}
