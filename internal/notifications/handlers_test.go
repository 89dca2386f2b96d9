package notifications

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/bissquit/xconfess/internal/recipient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	results map[string]recipient.Resolution
}

func (s stubResolver) ResolveRecipient(_ context.Context, userID string) recipient.Resolution {
	if res, ok := s.results[userID]; ok {
		return res
	}
	return recipient.Resolution{UserID: userID, Reason: recipient.ReasonUserNotFound}
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func newTestEmailHandler(t *testing.T, resolver RecipientResolver, mailer Mailer, logs *bytes.Buffer) *EmailHandler {
	t.Helper()
	r, err := NewRenderer("https://xconfess.app")
	require.NoError(t, err)

	logger := discardLogger
	if logs != nil {
		logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return NewEmailHandler(resolver, r, mailer, logger)
}

func TestEmailHandler_SendsToResolvedRecipient(t *testing.T) {
	resolver := stubResolver{results: map[string]recipient.Resolution{
		"u-1": {UserID: "u-1", CanNotify: true, Email: "jo.doe@example.com"},
	}}
	mailer := &recordingMailer{}
	var logs bytes.Buffer
	h := newTestEmailHandler(t, resolver, mailer, &logs)

	err := h.Handle(context.Background(), &Job{
		ID:      "job-1",
		Name:    JobCommentNotification,
		Payload: []byte(`{"recipientUserId":"u-1","confessionId":"c-1","commentContent":"same here"}`),
	})
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "jo.doe@example.com", mailer.sent[0].To)
	assert.Equal(t, "New comment on your confession", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].Body, "same here")

	assert.Contains(t, logs.String(), "jo***@example.com")
	assert.NotContains(t, logs.String(), "jo.doe@example.com")
}

func TestEmailHandler_SkipsWhenRecipientCannotBeNotified(t *testing.T) {
	resolver := stubResolver{results: map[string]recipient.Resolution{
		"u-2": {UserID: "u-2", Reason: recipient.ReasonMissingEncryptedEmail},
	}}
	mailer := &recordingMailer{}
	var logs bytes.Buffer
	h := newTestEmailHandler(t, resolver, mailer, &logs)

	err := h.Handle(context.Background(), &Job{
		Name:    JobReplyNotification,
		Payload: []byte(`{"recipientUserId":"u-2","recipientEmail":"fallback@example.com"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, mailer.sent)
	assert.Contains(t, logs.String(), string(recipient.ReasonMissingEncryptedEmail))
}

func TestEmailHandler_FallsBackToPayloadEmail(t *testing.T) {
	mailer := &recordingMailer{}
	h := newTestEmailHandler(t, stubResolver{}, mailer, nil)

	err := h.Handle(context.Background(), &Job{
		Name:    JobReportNotification,
		Payload: []byte(`{"recipientEmail":" mods@xconfess.app ","reportId":"r-1","confessionId":"c-1","type":"spam"}`),
	})
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "mods@xconfess.app", mailer.sent[0].To)
}

func TestEmailHandler_Errors(t *testing.T) {
	h := newTestEmailHandler(t, stubResolver{}, &recordingMailer{}, nil)

	err := h.Handle(context.Background(), &Job{Name: JobCommentNotification, Payload: []byte(`{"confessionId":"c-1"}`)})
	assert.ErrorIs(t, err, ErrMissingRecipient)

	err = h.Handle(context.Background(), &Job{Name: JobCommentNotification, Payload: []byte(`not json`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestEmailHandler_MailErrorIsRedacted(t *testing.T) {
	resolver := stubResolver{results: map[string]recipient.Resolution{
		"u-1": {UserID: "u-1", CanNotify: true, Email: "jo.doe@example.com"},
	}}
	sendErr := fmt.Errorf("550 mailbox jo.doe@example.com unavailable: %w", errBoom)
	h := newTestEmailHandler(t, resolver, &recordingMailer{err: sendErr}, nil)

	err := h.Handle(context.Background(), &Job{
		Name:    JobCommentNotification,
		Payload: []byte(`{"recipientUserId":"u-1"}`),
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "jo.doe@example.com")
	assert.Contains(t, err.Error(), "jo***@example.com")
	assert.True(t, errors.Is(err, errBoom))
}

func TestEmailHandler_Register(t *testing.T) {
	registry := NewRegistry()
	newTestEmailHandler(t, stubResolver{}, &recordingMailer{}, nil).Register(registry)
	assert.ElementsMatch(t, JobNames, registry.Names())
}

// The worker, handler and registry together: a resolved recipient gets mail,
// a mail failure is retried.
func TestEmailHandler_ThroughWorker(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, nil)

	resolver := stubResolver{results: map[string]recipient.Resolution{
		"u-1": {UserID: "u-1", CanNotify: true, Email: "jo.doe@example.com"},
	}}
	mailer := &recordingMailer{err: errBoom}
	registry := NewRegistry()
	newTestEmailHandler(t, resolver, mailer, nil).Register(registry)
	w := q.NewWorker(WorkerConfig{}, registry)

	job, err := q.Enqueue(context.Background(), JobMessageNotification, MessagePayload{
		Envelope:  Envelope{RecipientUserID: "u-1"},
		MessageID: "m-1",
	}, JobOptions{})
	require.NoError(t, err)

	w.processBatch(context.Background(), 0)
	assert.Equal(t, JobStateDelayed, store.job(job.ID).State)
}
