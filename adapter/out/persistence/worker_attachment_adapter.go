package persistence

import (
	"context"
	"fmt"
	"time"

	"ticket_worker/core/domain"
)

// =============================================================================
// Attachments (TicketStoreAdapter)
// =============================================================================

type attachmentRow struct {
	ID           int64     `db:"id"`
	ContainerID  int64     `db:"container_id"`
	AuthorID     int64     `db:"author_id"`
	Filename     string    `db:"filename"`
	ContentType  string    `db:"content_type"`
	Filesize     int64     `db:"filesize"`
	DiskFilename string    `db:"disk_filename"`
	Digest       string    `db:"digest"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *attachmentRow) toDomain() *domain.AttachmentRecord {
	return &domain.AttachmentRecord{
		ID:           r.ID,
		TicketID:     r.ContainerID,
		AuthorID:     r.AuthorID,
		Filename:     r.Filename,
		ContentType:  r.ContentType,
		Filesize:     r.Filesize,
		DiskFilename: r.DiskFilename,
		Digest:       r.Digest,
		CreatedAt:    r.CreatedAt,
	}
}

// AddAttachment records a stored blob against a ticket.
func (s *TicketStoreAdapter) AddAttachment(ctx context.Context, a *domain.NewAttachment) (*domain.AttachmentRecord, error) {
	now := s.now()
	rec := &domain.AttachmentRecord{
		TicketID:     a.TicketID,
		AuthorID:     a.AuthorID,
		Filename:     a.Filename,
		ContentType:  a.ContentType,
		Filesize:     a.Filesize,
		DiskFilename: a.DiskFilename,
		Digest:       a.Digest,
		CreatedAt:    now,
	}

	query := s.db.Rebind(`
		INSERT INTO attachments (container_id, author_id, filename, content_type, filesize, disk_filename, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query,
		a.TicketID, a.AuthorID, a.Filename, a.ContentType, a.Filesize, a.DiskFilename, a.Digest, now,
	).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert attachment: %w", err)
	}
	return rec, nil
}

// ListAttachments returns the attachments of a ticket in insertion order.
func (s *TicketStoreAdapter) ListAttachments(ctx context.Context, ticketID int64) ([]*domain.AttachmentRecord, error) {
	var rows []attachmentRow
	query := s.db.Rebind(`
		SELECT id, container_id, author_id, filename, content_type, filesize, disk_filename, digest, created_at
		FROM attachments
		WHERE container_id = ?
		ORDER BY id`)
	if err := s.db.SelectContext(ctx, &rows, query, ticketID); err != nil {
		return nil, err
	}

	records := make([]*domain.AttachmentRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toDomain())
	}
	return records, nil
}
