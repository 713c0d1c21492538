package out

import (
	"context"

	"ticket_worker/core/domain"
)

// TicketStore is the narrow interface into the ticket tracking system.
type TicketStore interface {
	// CreateTicket returns *domain.ValidationError when the fields are rejected
	// and domain.ErrTicketExists when the thread id is already taken.
	CreateTicket(ctx context.Context, t *domain.NewTicket) (*domain.Ticket, error)
	// FindTicketByID and FindTicketByThreadID return nil, nil when absent.
	FindTicketByID(ctx context.Context, id int64) (*domain.Ticket, error)
	FindTicketByThreadID(ctx context.Context, threadID string) (*domain.Ticket, error)

	AppendComment(ctx context.Context, ticketID, authorID int64, notes, messageID string) (*domain.Comment, error)
	HasCommentMarker(ctx context.Context, ticketID int64, messageID string) (bool, error)

	AddAttachment(ctx context.Context, a *domain.NewAttachment) (*domain.AttachmentRecord, error)
	ListAttachments(ctx context.Context, ticketID int64) ([]*domain.AttachmentRecord, error)

	FindUserByMail(ctx context.Context, mail string) (*domain.User, error)
	FindUserByLogin(ctx context.Context, login string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.NewUser) (*domain.User, error)

	// RequiredCustomFields lists the required fields of the tracker that are
	// enabled for the project.
	RequiredCustomFields(ctx context.Context, projectID, trackerID int64) ([]*domain.CustomField, error)
}

// BlobStorage stores attachment bytes and returns the stored name and digest.
type BlobStorage interface {
	Put(ctx context.Context, filename string, data []byte) (diskFilename, digest string, err error)
	Delete(ctx context.Context, diskFilename string) error
}
