package notifications

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Job names.
const (
	JobCommentNotification  = "comment-notification"
	JobReplyNotification    = "reply-notification"
	JobMessageNotification  = "message-notification"
	JobReactionNotification = "reaction-notification"
	JobReportNotification   = "report-notification"
)

// JobNames lists every job name with a built-in handler.
var JobNames = []string{
	JobCommentNotification,
	JobReplyNotification,
	JobMessageNotification,
	JobReactionNotification,
	JobReportNotification,
}

// Envelope holds the fields shared by every notification payload.
// RecipientUserID is preferred; RecipientEmail is used only when no user id
// is given.
type Envelope struct {
	RecipientUserID string `json:"recipientUserId,omitempty"`
	RecipientEmail  string `json:"recipientEmail,omitempty"`
	Channel         string `json:"channel,omitempty"`
}

// CommentPayload notifies a confession author about a new comment.
type CommentPayload struct {
	Envelope
	ConfessionID   string `json:"confessionId"`
	CommentID      string `json:"commentId"`
	CommentContent string `json:"commentContent"`
}

// ReplyPayload notifies a comment author about a reply.
type ReplyPayload struct {
	Envelope
	ConfessionID    string `json:"confessionId"`
	CommentID       string `json:"commentId"`
	ParentCommentID string `json:"parentCommentId"`
	ReplyContent    string `json:"replyContent"`
}

// MessagePayload notifies a user about direct messages.
type MessagePayload struct {
	Envelope
	MessageID         string `json:"messageId"`
	ConfessionID      string `json:"confessionId,omitempty"`
	SenderAnonymousID string `json:"senderAnonymousId,omitempty"`
	MessageCount      int    `json:"messageCount,omitempty"`
	Content           string `json:"content,omitempty"`
}

// ReactionPayload notifies a confession author about reactions.
type ReactionPayload struct {
	Envelope
	ConfessionID  string `json:"confessionId"`
	ReactionType  string `json:"reactionType"`
	ReactionCount int    `json:"reactionCount,omitempty"`
}

// ReportPayload notifies moderators about a report on a confession.
type ReportPayload struct {
	Envelope
	ReportID     string `json:"reportId"`
	ConfessionID string `json:"confessionId"`
	ReportType   string `json:"type"`
	Reason       string `json:"reason,omitempty"`
}

func (e Envelope) envelope() Envelope { return e }

type payload interface {
	envelope() Envelope
}

// decodePayload unmarshals a job payload into the type for its name.
func decodePayload(name string, raw json.RawMessage) (payload, error) {
	var p payload
	switch name {
	case JobCommentNotification:
		p = &CommentPayload{}
	case JobReplyNotification:
		p = &ReplyPayload{}
	case JobMessageNotification:
		p = &MessagePayload{}
	case JobReactionNotification:
		p = &ReactionPayload{}
	case JobReportNotification:
		p = &ReportPayload{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	return p, nil
}

// defaultChannel derives the delivery channel label from a job name,
// e.g. "comment-notification" becomes "email_comment_notification".
func defaultChannel(name string) string {
	return "email_" + strings.ReplaceAll(name, "-", "_")
}
