package domain

import "time"

// TicketStatusNew is the status a ticket is opened with.
const TicketStatusNew int64 = 1

// Ticket is the issue record owned by the ticket store.
type Ticket struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	TrackerID    int64     `json:"tracker_id"`
	StatusID     int64     `json:"status_id"`
	PriorityID   int64     `json:"priority_id"`
	AuthorID     int64     `json:"author_id"`
	AssignedToID *int64    `json:"assigned_to_id,omitempty"`
	Subject      string    `json:"subject"`
	Description  string    `json:"description"`
	ThreadID     string    `json:"thread_id,omitempty"`
	MessageID    string    `json:"message_id,omitempty"` // origin email
	CreatedAt    time.Time `json:"created_at"`
}

// NewTicket is the field set handed to the store on creation.
type NewTicket struct {
	ProjectID    int64
	TrackerID    int64
	StatusID     int64
	PriorityID   int64
	AuthorID     int64
	AssignedToID *int64
	Subject      string
	Description  string
	ThreadID     string
	MessageID    string
	CustomValues map[int64]string
}

// Comment is a journal entry on a ticket. MessageID marks the source email.
type Comment struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	AuthorID  int64     `json:"author_id"`
	Notes     string    `json:"notes"`
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AttachmentKey is the dedup identity of an attachment within one ticket.
type AttachmentKey struct {
	Filename    string
	ContentType string
	Size        int64
}

// AttachmentRecord is an attachment stored against a ticket.
type AttachmentRecord struct {
	ID           int64     `json:"id"`
	TicketID     int64     `json:"ticket_id"`
	AuthorID     int64     `json:"author_id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Filesize     int64     `json:"filesize"`
	DiskFilename string    `json:"-"`
	Digest       string    `json:"digest"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the dedup identity.
func (a *AttachmentRecord) Key() AttachmentKey {
	return AttachmentKey{Filename: a.Filename, ContentType: a.ContentType, Size: a.Filesize}
}

// NewAttachment is handed to the store after the blob was written.
type NewAttachment struct {
	TicketID     int64
	AuthorID     int64
	Filename     string
	ContentType  string
	Filesize     int64
	DiskFilename string
	Digest       string
}

// MailNotificationNone keeps provisioned senders from receiving ticket mail.
const MailNotificationNone = "none"

// User is an account of the ticket system.
type User struct {
	ID               int64     `json:"id"`
	Login            string    `json:"login"`
	FirstName        string    `json:"firstname"`
	LastName         string    `json:"lastname"`
	Mail             string    `json:"mail"`
	Language         string    `json:"language"`
	MailNotification string    `json:"mail_notification"`
	MustChangePasswd bool      `json:"must_change_passwd"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewUser is a provisioning request for a sender without an account.
type NewUser struct {
	Login            string
	FirstName        string
	LastName         string
	Mail             string
	Language         string
	HashedPassword   string
	MailNotification string
	MustChangePasswd bool
}

// =============================================================================
// Custom Fields
// =============================================================================

type CustomFieldFormat string

const (
	FieldFormatString CustomFieldFormat = "string"
	FieldFormatText   CustomFieldFormat = "text"
	FieldFormatInt    CustomFieldFormat = "int"
	FieldFormatFloat  CustomFieldFormat = "float"
	FieldFormatDate   CustomFieldFormat = "date"
	FieldFormatList   CustomFieldFormat = "list"
	FieldFormatBool   CustomFieldFormat = "bool"
	FieldFormatLink   CustomFieldFormat = "link"
)

// CustomField describes a tracker field and its validation constraints.
// Zero MinLength or MaxLength means unbounded.
type CustomField struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	Format         CustomFieldFormat `json:"field_format"`
	Required       bool              `json:"is_required"`
	DefaultValue   string            `json:"default_value,omitempty"`
	MinLength      int               `json:"min_length"`
	MaxLength      int               `json:"max_length"`
	Regexp         string            `json:"regexp,omitempty"`
	PossibleValues []string          `json:"possible_values,omitempty"`
}
