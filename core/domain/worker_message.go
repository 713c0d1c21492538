package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MessageAttachment carries decoded attachment bytes fetched with a message.
type MessageAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the decoded byte length.
func (a MessageAttachment) Size() int64 {
	return int64(len(a.Data))
}

// Key returns the dedup key of the attachment.
func (a MessageAttachment) Key() AttachmentKey {
	return AttachmentKey{Filename: a.Filename, ContentType: a.ContentType, Size: a.Size()}
}

// NormalizedMessage is the provider-agnostic shape of one fetched email.
// It only lives for the duration of one sync run.
type NormalizedMessage struct {
	ID             string
	ConversationID string
	ParentID       string // empty for the thread root

	SenderAddress   string
	SenderName      string
	SenderFirstName string
	SenderLastName  string

	Subject    string
	Body       string
	ReceivedAt time.Time

	Attachments []MessageAttachment

	// TicketRef is the ticket number embedded in the subject, 0 when absent.
	TicketRef int64
}

// IsRoot reports whether the message starts its thread.
func (m *NormalizedMessage) IsRoot() bool {
	return m.ParentID == ""
}

// Conversation is a root message plus its replies in received order.
type Conversation struct {
	Root    NormalizedMessage
	Replies []NormalizedMessage
}

// ID returns the thread-correlation value stored on tickets.
func (c *Conversation) ID() string {
	if c.Root.ConversationID != "" {
		return c.Root.ConversationID
	}
	return c.Root.ID
}

// Messages returns the root followed by the replies.
func (c *Conversation) Messages() []NormalizedMessage {
	out := make([]NormalizedMessage, 0, len(c.Replies)+1)
	out = append(out, c.Root)
	return append(out, c.Replies...)
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	return len(c.Replies) + 1
}

// [PROJ #123], [#7], [Support - Bug #42]
var ticketRefPattern = regexp.MustCompile(`\[[^\[\]]*#(\d+)\]`)

// ParseTicketRef extracts the ticket number from a subject, or 0.
func ParseTicketRef(subject string) int64 {
	m := ticketRefPattern.FindStringSubmatch(subject)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// SplitName splits a display name into first and last name. The last name
// keeps every word after the first.
func SplitName(display string) (first, last string) {
	display = strings.Trim(strings.TrimSpace(display), `"'`)
	if display == "" {
		return "", ""
	}
	if i := strings.Index(display, ","); i > 0 {
		// "Doe, Jane"
		return strings.TrimSpace(display[i+1:]), strings.TrimSpace(display[:i])
	}
	parts := strings.Fields(display)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
