package ticket

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fallbackUser = int64(999)

var testJob = &domain.MailboxJob{ID: 3, ProjectID: 10, TrackerID: 2, PriorityID: 4, ProviderName: domain.ProviderGmail}

func newResolver(store *testutil.TicketStore) (*Resolver, *testutil.BlobStorage) {
	blobs := testutil.NewBlobStorage()
	m := NewMaterializer(store, blobs, MaterializerConfig{
		FallbackUserID:     fallbackUser,
		MaxAttachmentBytes: 1 << 20,
	})
	r := NewResolver(store, m)
	r.now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	return r, blobs
}

func message(id, parent, subject string) domain.NormalizedMessage {
	return domain.NormalizedMessage{
		ID:              id,
		ParentID:        parent,
		ConversationID:  "thread-1",
		SenderAddress:   "jane@example.com",
		SenderFirstName: "Jane",
		SenderLastName:  "Doe",
		Subject:         subject,
		Body:            "body of " + id,
		TicketRef:       domain.ParseTicketRef(subject),
	}
}

func TestResolveCreatesTicketWithReplies(t *testing.T) {
	store := testutil.NewTicketStore()
	store.Fields = []*domain.CustomField{{ID: 7, Name: "Severity", Format: domain.FieldFormatInt, Required: true, MinLength: 3}}
	r, _ := newResolver(store)

	root := message("m1", "", "Printer on fire")
	root.Attachments = []domain.MessageAttachment{{Filename: "a.png", ContentType: "image/png", Data: []byte("png")}}
	conv := &domain.Conversation{Root: root, Replies: []domain.NormalizedMessage{message("m2", "m1", "Re: Printer on fire")}}

	outcome, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, outcome.Action)
	assert.Equal(t, 1, outcome.Comments)
	assert.Equal(t, 1, outcome.Attachments)

	ticket, _ := store.FindTicketByID(context.Background(), outcome.TicketID)
	require.NotNil(t, ticket)
	assert.Equal(t, "Printer on fire", ticket.Subject)
	assert.Equal(t, "thread-1", ticket.ThreadID)
	assert.Equal(t, "m1", ticket.MessageID)
	assert.Equal(t, domain.TicketStatusNew, ticket.StatusID)
	assert.Equal(t, testJob.TrackerID, ticket.TrackerID)
	assert.Equal(t, testJob.PriorityID, ticket.PriorityID)
	assert.Equal(t, "000", store.Values[ticket.ID][7])

	require.Len(t, store.Users, 1)
	assert.Equal(t, ticket.AuthorID, store.Users[0].ID)

	comments := store.CommentsFor(ticket.ID)
	require.Len(t, comments, 1)
	assert.Equal(t, "m2", comments[0].MessageID)
}

func TestResolveIsIdempotent(t *testing.T) {
	store := testutil.NewTicketStore()
	r, blobs := newResolver(store)

	root := message("m1", "", "Broken link")
	root.Attachments = []domain.MessageAttachment{{Filename: "log.txt", ContentType: "text/plain", Data: []byte("x")}}
	reply := message("m2", "m1", "Re: Broken link")
	reply.Attachments = []domain.MessageAttachment{{Filename: "log2.txt", ContentType: "text/plain", Data: []byte("y")}}
	conv := &domain.Conversation{Root: root, Replies: []domain.NormalizedMessage{reply}}

	first, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, first.Action)

	second, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)
	assert.Equal(t, ActionAppend, second.Action)
	assert.Equal(t, first.TicketID, second.TicketID)
	assert.Zero(t, second.Comments)

	assert.Equal(t, 1, store.TicketCount())
	assert.Len(t, store.CommentsFor(first.TicketID), 1)
	assert.Len(t, store.Attachments, 2)
	assert.Len(t, blobs.Blobs, 2)
}

func TestResolveBySubjectReference(t *testing.T) {
	store := testutil.NewTicketStore()
	store.SeedTicket(&domain.Ticket{ID: 42, Subject: "Original", ThreadID: "other-thread"})
	r, _ := newResolver(store)

	conv := &domain.Conversation{Root: message("m9", "", "Re: [PROJ #42] Original")}
	outcome, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)

	assert.Equal(t, ActionAppend, outcome.Action)
	assert.Equal(t, "reference", outcome.Via)
	assert.Equal(t, int64(42), outcome.TicketID)
	assert.Equal(t, 1, outcome.Comments)
	assert.Equal(t, 1, store.TicketCount())
}

func TestResolveUnknownReferenceFallsThrough(t *testing.T) {
	store := testutil.NewTicketStore()
	r, _ := newResolver(store)

	conv := &domain.Conversation{Root: message("m1", "", "[PROJ #777] Does not exist")}
	outcome, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, outcome.Action)
}

func TestResolveByThreadForLateReply(t *testing.T) {
	store := testutil.NewTicketStore()
	store.SeedTicket(&domain.Ticket{ID: 5, ThreadID: "thread-1", MessageID: "m1"})
	r, _ := newResolver(store)

	conv := &domain.Conversation{Root: message("m3", "m1", "Re: earlier")}
	outcome, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)

	assert.Equal(t, ActionAppend, outcome.Action)
	assert.Equal(t, "thread", outcome.Via)
	assert.Equal(t, int64(5), outcome.TicketID)
	assert.Equal(t, 1, outcome.Comments)
}

func TestResolveValidationFailure(t *testing.T) {
	store := testutil.NewTicketStore()
	r, _ := newResolver(store)

	conv := &domain.Conversation{Root: message("m1", "", "   ")}
	_, err := r.Resolve(context.Background(), testJob, conv)

	require.Error(t, err)
	assert.Equal(t, domain.KindConversation, domain.KindOf(err))
	assert.False(t, domain.IsFatal(err))
	assert.Contains(t, err.Error(), "Failed to create issue for email")

	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestResolveRetriesDuplicateThreadAsAppend(t *testing.T) {
	store := testutil.NewTicketStore()
	r, _ := newResolver(store)

	// another worker wins the race between lookup and insert
	store.CreateErr = func(t *domain.NewTicket) error {
		store.CreateErr = nil
		store.Tickets[100] = &domain.Ticket{ID: 100, ThreadID: t.ThreadID}
		return domain.ErrTicketExists
	}

	conv := &domain.Conversation{Root: message("m1", "", "Race")}
	outcome, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)
	assert.Equal(t, ActionAppend, outcome.Action)
	assert.Equal(t, int64(100), outcome.TicketID)
}

func TestProvisioningFallsBackToFallbackUser(t *testing.T) {
	store := testutil.NewTicketStore()
	store.CreateUserErr = errors.New("login has already been taken")
	r, _ := newResolver(store)

	conv := &domain.Conversation{Root: message("m1", "", "Help")}
	outcome, err := r.Resolve(context.Background(), testJob, conv)
	require.NoError(t, err)

	ticket, _ := store.FindTicketByID(context.Background(), outcome.TicketID)
	assert.Equal(t, fallbackUser, ticket.AuthorID)
}

func TestResolveAuthor(t *testing.T) {
	store := testutil.NewTicketStore()
	m := NewMaterializer(store, testutil.NewBlobStorage(), MaterializerConfig{FallbackUserID: fallbackUser, LoginMaxLength: 20})
	ctx := context.Background()

	long := domain.NormalizedMessage{ID: "x", SenderAddress: "Very.Long+Tag@Example-Domain.com"}
	id, err := m.ResolveAuthor(ctx, &long)
	require.NoError(t, err)

	user := store.Users[0]
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "very.long_tag@exampl", user.Login)
	assert.Len(t, user.Login, 20)
	assert.Equal(t, NamePlaceholder, user.FirstName)
	assert.Equal(t, NamePlaceholder, user.LastName)
	assert.Equal(t, "en", user.Language)
	assert.Equal(t, domain.MailNotificationNone, user.MailNotification)
	assert.True(t, user.MustChangePasswd)

	// same sender resolves to the same account
	again, err := m.ResolveAuthor(ctx, &long)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	// login collision after truncation gets a suffix
	clash := domain.NormalizedMessage{ID: "y", SenderAddress: "very.long+tag@example.org"}
	_, err = m.ResolveAuthor(ctx, &clash)
	require.NoError(t, err)
	require.Len(t, store.Users, 2)
	assert.True(t, strings.HasSuffix(store.Users[1].Login, "-1"))
	assert.LessOrEqual(t, len(store.Users[1].Login), 20)

	// no sender at all
	anon := domain.NormalizedMessage{ID: "z"}
	id, err = m.ResolveAuthor(ctx, &anon)
	assert.Equal(t, fallbackUser, id)
	assert.Equal(t, domain.KindProvisioning, domain.KindOf(err))
}

func TestStoreAttachmentsDedup(t *testing.T) {
	store := testutil.NewTicketStore()
	store.SeedTicket(&domain.Ticket{ID: 1})
	m := NewMaterializer(store, testutil.NewBlobStorage(), MaterializerConfig{MaxAttachmentBytes: 4})
	ctx := context.Background()

	atts := []domain.MessageAttachment{
		{Filename: "a.txt", ContentType: "text/plain", Data: []byte("abc")},
		{Filename: "a.txt", ContentType: "text/plain", Data: []byte("abc")},
		{Filename: "a.txt", ContentType: "text/plain", Data: []byte("abcd")},
		{Filename: "big.bin", ContentType: "application/octet-stream", Data: []byte("too big")},
	}

	stored, err := m.StoreAttachments(ctx, 1, 1, atts)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	stored, err = m.StoreAttachments(ctx, 1, 1, atts)
	require.NoError(t, err)
	assert.Zero(t, stored)
}

func TestStoreAttachmentsBlobFailure(t *testing.T) {
	store := testutil.NewTicketStore()
	store.SeedTicket(&domain.Ticket{ID: 1})
	blobs := testutil.NewBlobStorage()
	blobs.Err = errors.New("disk full")
	m := NewMaterializer(store, blobs, MaterializerConfig{})

	_, err := m.StoreAttachments(context.Background(), 1, 1, []domain.MessageAttachment{{Filename: "a", Data: []byte("1")}})
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, store.Attachments)
}
