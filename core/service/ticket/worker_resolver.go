// Package ticket resolves conversations onto tickets.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"
	"ticket_worker/pkg/metrics"
)

const subjectMaxLength = 255

// Action is the resolution of one conversation.
type Action string

const (
	ActionCreate Action = "create"
	ActionAppend Action = "append"
)

// Outcome describes what a resolution did.
type Outcome struct {
	Action   Action
	TicketID int64
	// Via tells which rule matched: "reference", "thread" or "new".
	Via         string
	Comments    int
	Attachments int
}

// Resolver decides whether a conversation opens a ticket or extends one and
// applies the decision.
type Resolver struct {
	store        out.TicketStore
	materializer *Materializer
	now          func() time.Time
}

// NewResolver creates a new resolver.
func NewResolver(store out.TicketStore, materializer *Materializer) *Resolver {
	return &Resolver{store: store, materializer: materializer, now: time.Now}
}

// Resolve applies the first matching rule: an existing ticket referenced in
// the root subject, then a ticket whose thread id is the conversation id,
// then a new ticket. Any failure is returned as a conversation SyncError.
func (r *Resolver) Resolve(ctx context.Context, job *domain.MailboxJob, conv *domain.Conversation) (*Outcome, error) {
	convID := conv.ID()
	log := logger.WithFields(map[string]any{
		"job_id":          job.ID,
		"conversation_id": convID,
	})

	ref := conv.Root.TicketRef
	if ref == 0 {
		ref = domain.ParseTicketRef(conv.Root.Subject)
	}
	if ref > 0 {
		ticket, err := r.store.FindTicketByID(ctx, ref)
		if err != nil {
			return nil, domain.NewConversationError(convID, fmt.Sprintf("Failed to look up issue #%d", ref), err)
		}
		if ticket != nil {
			log.Debug("resolved by subject reference to ticket #%d", ticket.ID)
			return r.appendAll(ctx, ticket, conv, "reference")
		}
	}

	ticket, err := r.store.FindTicketByThreadID(ctx, convID)
	if err != nil {
		return nil, domain.NewConversationError(convID, "Failed to look up issue by thread", err)
	}
	if ticket != nil {
		log.Debug("resolved by thread to ticket #%d", ticket.ID)
		return r.appendAll(ctx, ticket, conv, "thread")
	}

	return r.create(ctx, job, conv)
}

func (r *Resolver) create(ctx context.Context, job *domain.MailboxJob, conv *domain.Conversation) (*Outcome, error) {
	convID := conv.ID()
	root := &conv.Root

	authorID, _ := r.materializer.ResolveAuthor(ctx, root)

	fields, err := r.store.RequiredCustomFields(ctx, job.ProjectID, job.TrackerID)
	if err != nil {
		return nil, domain.NewConversationError(convID, "Failed to load required fields", err)
	}

	ticket, err := r.store.CreateTicket(ctx, &domain.NewTicket{
		ProjectID:    job.ProjectID,
		TrackerID:    job.TrackerID,
		StatusID:     domain.TicketStatusNew,
		PriorityID:   job.PriorityID,
		AuthorID:     authorID,
		AssignedToID: job.AssignedToID,
		Subject:      truncate(strings.TrimSpace(root.Subject), subjectMaxLength),
		Description:  root.Body,
		ThreadID:     convID,
		MessageID:    root.ID,
		CustomValues: SynthesizeFields(fields, r.now()),
	})
	if errors.Is(err, domain.ErrTicketExists) {
		// created by a concurrent run after our lookup
		existing, findErr := r.store.FindTicketByThreadID(ctx, convID)
		if findErr == nil && existing != nil {
			logger.WithField("conversation_id", convID).Warn("thread already has ticket #%d, appending", existing.ID)
			return r.appendAll(ctx, existing, conv, "thread")
		}
		if findErr != nil {
			err = findErr
		}
	}
	if err != nil {
		return nil, domain.NewConversationError(convID, "Failed to create issue for email: "+root.Subject, err)
	}

	metrics.TicketsCreated.Inc()
	outcome := &Outcome{Action: ActionCreate, TicketID: ticket.ID, Via: "new"}

	stored, err := r.materializer.StoreAttachments(ctx, ticket.ID, authorID, root.Attachments)
	outcome.Attachments += stored
	if err != nil {
		return outcome, domain.NewConversationError(convID, fmt.Sprintf("Failed to store attachments of issue #%d", ticket.ID), err)
	}

	for i := range conv.Replies {
		added, err := r.materializer.AppendMessage(ctx, ticket.ID, &conv.Replies[i])
		if err != nil {
			return outcome, domain.NewConversationError(convID, fmt.Sprintf("Failed to update issue #%d", ticket.ID), err)
		}
		if added {
			outcome.Comments++
		}
	}

	logger.WithFields(map[string]any{
		"job_id":    job.ID,
		"ticket_id": ticket.ID,
		"replies":   len(conv.Replies),
	}).Info("created ticket from conversation %s", convID)
	return outcome, nil
}

// appendAll appends every message of the conversation, root included. The
// marker guard turns messages already on the ticket into no-ops.
func (r *Resolver) appendAll(ctx context.Context, ticket *domain.Ticket, conv *domain.Conversation, via string) (*Outcome, error) {
	outcome := &Outcome{Action: ActionAppend, TicketID: ticket.ID, Via: via}

	for _, msg := range conv.Messages() {
		msg := msg
		added, err := r.materializer.AppendMessage(ctx, ticket.ID, &msg)
		if err != nil {
			return outcome, domain.NewConversationError(conv.ID(), fmt.Sprintf("Failed to update issue #%d", ticket.ID), err)
		}
		if added {
			outcome.Comments++
		}
	}

	if outcome.Comments > 0 {
		logger.WithField("ticket_id", ticket.ID).Info("appended %d comments from conversation %s", outcome.Comments, conv.ID())
	}
	return outcome, nil
}
