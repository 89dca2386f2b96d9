// Package recipient resolves internal user ids into deliverable email
// addresses without exposing the address in logs.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bissquit/xconfess/internal/domain"
	"github.com/bissquit/xconfess/internal/pkg/pii"
	"golang.org/x/sync/errgroup"
)

// Reason explains why a user cannot be notified.
type Reason string

// Resolution failure reasons.
const (
	ReasonUserNotFound          Reason = "USER_NOT_FOUND"
	ReasonMissingEncryptedEmail Reason = "MISSING_ENCRYPTED_EMAIL"
	ReasonInvalidDecryptedEmail Reason = "INVALID_DECRYPTED_EMAIL"
	ReasonDecryptionFailed      Reason = "DECRYPTION_FAILED"
	ReasonResolutionError       Reason = "RESOLUTION_ERROR"
)

// ErrUserNotFound is returned by a UserStore when no record exists.
var ErrUserNotFound = errors.New("user not found")

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Resolution is the outcome of resolving one user. Email is set only when
// CanNotify is true.
type Resolution struct {
	Email     string `json:"email,omitempty"`
	CanNotify bool   `json:"can_notify"`
	UserID    string `json:"user_id"`
	Reason    Reason `json:"reason,omitempty"`
}

// UserStore reads encrypted identity records.
type UserStore interface {
	GetUserEmailRecord(ctx context.Context, userID string) (*domain.UserEmailRecord, error)
}

// Decrypter opens an encrypted email.
type Decrypter interface {
	Decrypt(ciphertext, iv, tag string) (string, error)
}

// Resolver turns user ids into email addresses. It holds no mutable state.
type Resolver struct {
	store       UserStore
	decrypter   Decrypter
	logger      *slog.Logger
	concurrency int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithConcurrency bounds the fan-out of ResolveRecipients.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewResolver creates a resolver.
func NewResolver(store UserStore, decrypter Decrypter, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		decrypter:   decrypter,
		logger:      slog.Default(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveRecipient never returns an error: every failure maps to a Reason.
func (r *Resolver) ResolveRecipient(ctx context.Context, userID string) (res Resolution) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("recipient resolution panicked",
				"user_id", userID,
				"error", fmt.Sprint(p),
			)
			res = unresolved(userID, ReasonResolutionError)
		}
	}()

	user, err := r.store.GetUserEmailRecord(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.logger.Warn("recipient not found", "user_id", userID)
			return unresolved(userID, ReasonUserNotFound)
		}
		r.logger.Error("failed to load recipient", "user_id", userID, "error", err)
		return unresolved(userID, ReasonResolutionError)
	}
	if user == nil {
		r.logger.Warn("recipient not found", "user_id", userID)
		return unresolved(userID, ReasonUserNotFound)
	}

	if !user.HasEncryptedEmail() {
		r.logger.Warn("recipient has no encrypted email", "user_id", userID)
		return unresolved(userID, ReasonMissingEncryptedEmail)
	}

	plain, err := r.decrypter.Decrypt(user.EmailEncrypted, user.EmailIV, user.EmailTag)
	if err != nil {
		r.logger.Error("failed to decrypt recipient email", "user_id", userID, "error", err)
		return unresolved(userID, ReasonDecryptionFailed)
	}

	email := strings.TrimSpace(plain)
	if !emailPattern.MatchString(email) {
		r.logger.Warn("decrypted recipient email is invalid",
			"user_id", userID,
			"email", pii.MaskEmail(email),
		)
		return unresolved(userID, ReasonInvalidDecryptedEmail)
	}

	r.logger.Debug("recipient resolved", "user_id", userID, "email", pii.MaskEmail(email))
	return Resolution{Email: email, CanNotify: true, UserID: userID}
}

// ResolveRecipients resolves every id independently with bounded
// concurrency. Duplicate ids are resolved once.
func (r *Resolver) ResolveRecipients(ctx context.Context, userIDs []string) map[string]Resolution {
	results := make(map[string]Resolution, len(userIDs))
	if len(userIDs) == 0 {
		return results
	}

	unique := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	out := make([]Resolution, len(unique))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range unique {
		g.Go(func() error {
			out[i] = r.ResolveRecipient(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range unique {
		results[id] = out[i]
	}
	return results
}

func unresolved(userID string, reason Reason) Resolution {
	return Resolution{CanNotify: false, UserID: userID, Reason: reason}
}
