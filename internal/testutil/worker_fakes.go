// Package testutil provides in-memory port implementations for service tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mail provider
// =============================================================================

// Provider is a scripted out.MailProvider.
type Provider struct {
	mu sync.Mutex

	ProviderName string
	Messages     []domain.NormalizedMessage
	FetchErr     error
	MarkReadErr  map[string]error

	Refreshed  *oauth2.Token
	RefreshErr error

	Auth        *domain.Authorization
	ExchangeErr error

	FetchCalls   int
	RefreshCalls int
	MarkedRead   []string
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return domain.ProviderGmail
	}
	return p.ProviderName
}

func (p *Provider) FetchUnread(ctx context.Context, accessToken string) ([]domain.NormalizedMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FetchCalls++
	if p.FetchErr != nil {
		return nil, p.FetchErr
	}

	// unread only
	read := make(map[string]bool, len(p.MarkedRead))
	for _, id := range p.MarkedRead {
		read[id] = true
	}
	var msgs []domain.NormalizedMessage
	for _, m := range p.Messages {
		if !read[m.ID] {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func (p *Provider) MarkRead(ctx context.Context, messageID, accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.MarkReadErr[messageID]; err != nil {
		return err
	}
	p.MarkedRead = append(p.MarkedRead, messageID)
	return nil
}

// Unread puts every message back into the unread set.
func (p *Provider) Unread() {
	p.mu.Lock()
	p.MarkedRead = nil
	p.mu.Unlock()
}

func (p *Provider) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RefreshCalls++
	if p.RefreshErr != nil {
		return nil, p.RefreshErr
	}
	return p.Refreshed, nil
}

func (p *Provider) AuthorizationURL(state string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (p *Provider) ExchangeCode(ctx context.Context, code string) (*domain.Authorization, error) {
	if p.ExchangeErr != nil {
		return nil, p.ExchangeErr
	}
	return p.Auth, nil
}

// Registry resolves providers from a map.
type Registry map[string]out.MailProvider

func (r Registry) Provider(ctx context.Context, name string) (out.MailProvider, error) {
	p, ok := r[domain.NormalizeProviderName(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	return p, nil
}

// =============================================================================
// Jobs and tokens
// =============================================================================

// JobRepository keeps jobs in memory.
type JobRepository struct {
	mu   sync.Mutex
	Jobs map[int64]*domain.MailboxJob
}

func NewJobRepository(jobs ...*domain.MailboxJob) *JobRepository {
	r := &JobRepository{Jobs: make(map[int64]*domain.MailboxJob)}
	for _, j := range jobs {
		r.Jobs[j.ID] = j
	}
	return r
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*domain.MailboxJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepository) ListActive(ctx context.Context) ([]*domain.MailboxJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []*domain.MailboxJob
	for _, j := range r.Jobs {
		if j.Active {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

func (r *JobRepository) MarkSyncing(ctx context.Context, id int64, startedAt time.Time) error {
	return r.update(id, func(j *domain.MailboxJob) {
		j.SyncStatus = domain.SyncStatusSyncing
		j.LastAttemptAt = &startedAt
	})
}

func (r *JobRepository) MarkFailed(ctx context.Context, id int64, message string) error {
	return r.update(id, func(j *domain.MailboxJob) {
		j.SyncStatus = domain.SyncStatusFailed
		j.Message = message
	})
}

func (r *JobRepository) UpdateSyncResult(ctx context.Context, id int64, status domain.SyncStatus, message string, syncedAt time.Time, count int) error {
	return r.update(id, func(j *domain.MailboxJob) {
		j.SyncStatus = status
		j.Message = message
		j.LastSyncAt = &syncedAt
		j.LastSyncCount = count
	})
}

// Job returns a copy of the stored job.
func (r *JobRepository) Job(id int64) domain.MailboxJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.Jobs[id]
}

func (r *JobRepository) update(id int64, fn func(*domain.MailboxJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.Jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	fn(j)
	return nil
}

// TokenRepository keeps one token per job.
type TokenRepository struct {
	mu     sync.Mutex
	Tokens map[int64]*domain.ProviderToken
	Saves  int
}

func NewTokenRepository(tokens ...*domain.ProviderToken) *TokenRepository {
	r := &TokenRepository{Tokens: make(map[int64]*domain.ProviderToken)}
	for _, t := range tokens {
		r.Tokens[t.JobID] = t
	}
	return r
}

func (r *TokenRepository) GetByJobID(ctx context.Context, jobID int64) (*domain.ProviderToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tokens[jobID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *TokenRepository) Save(ctx context.Context, token *domain.ProviderToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	r.Tokens[token.JobID] = &cp
	r.Saves++
	return nil
}

func (r *TokenRepository) MarkFailed(ctx context.Context, jobID int64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.Tokens[jobID]; ok {
		t.Status = domain.TokenStatusFailed
		t.Message = message
	}
	return nil
}

// Token returns a copy of the stored token.
func (r *TokenRepository) Token(jobID int64) domain.ProviderToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.Tokens[jobID]
}

// =============================================================================
// Ticket store
// =============================================================================

// TicketStore is an in-memory out.TicketStore.
type TicketStore struct {
	mu sync.Mutex

	Tickets     map[int64]*domain.Ticket
	Comments    []*domain.Comment
	Attachments []*domain.AttachmentRecord
	Users       []*domain.User
	Fields      []*domain.CustomField
	Values      map[int64]map[int64]string

	// CreateErr, when set, is consulted before a ticket is stored.
	CreateErr     func(t *domain.NewTicket) error
	CreateUserErr error

	nextID int64
}

func NewTicketStore() *TicketStore {
	return &TicketStore{
		Tickets: make(map[int64]*domain.Ticket),
		Values:  make(map[int64]map[int64]string),
	}
}

func (s *TicketStore) id() int64 {
	s.nextID++
	return s.nextID
}

// SeedTicket stores a ticket as if created elsewhere.
func (s *TicketStore) SeedTicket(t *domain.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.id()
	} else if t.ID > s.nextID {
		s.nextID = t.ID
	}
	s.Tickets[t.ID] = t
}

func (s *TicketStore) CreateTicket(ctx context.Context, t *domain.NewTicket) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateErr != nil {
		if err := s.CreateErr(t); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(t.Subject) == "" {
		return nil, &domain.ValidationError{Entity: "ticket", Fields: []string{"subject"}}
	}
	for _, f := range s.Fields {
		if f.Required && t.CustomValues[f.ID] == "" {
			return nil, &domain.ValidationError{Entity: "ticket", Fields: []string{f.Name}}
		}
	}
	if t.ThreadID != "" {
		for _, existing := range s.Tickets {
			if existing.ThreadID == t.ThreadID {
				return nil, domain.ErrTicketExists
			}
		}
	}

	ticket := &domain.Ticket{
		ID:           s.id(),
		ProjectID:    t.ProjectID,
		TrackerID:    t.TrackerID,
		StatusID:     t.StatusID,
		PriorityID:   t.PriorityID,
		AuthorID:     t.AuthorID,
		AssignedToID: t.AssignedToID,
		Subject:      t.Subject,
		Description:  t.Description,
		ThreadID:     t.ThreadID,
		MessageID:    t.MessageID,
		CreatedAt:    time.Now(),
	}
	s.Tickets[ticket.ID] = ticket
	s.Values[ticket.ID] = t.CustomValues
	cp := *ticket
	return &cp, nil
}

func (s *TicketStore) FindTicketByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tickets[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *TicketStore) FindTicketByThreadID(ctx context.Context, threadID string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.Tickets {
		if t.ThreadID == threadID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *TicketStore) AppendComment(ctx context.Context, ticketID, authorID int64, notes, messageID string) (*domain.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Tickets[ticketID]; !ok {
		return nil, domain.ErrTicketNotFound
	}
	c := &domain.Comment{ID: s.id(), TicketID: ticketID, AuthorID: authorID, Notes: notes, MessageID: messageID, CreatedAt: time.Now()}
	s.Comments = append(s.Comments, c)
	return c, nil
}

func (s *TicketStore) HasCommentMarker(ctx context.Context, ticketID int64, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Tickets[ticketID]; ok && t.MessageID == messageID {
		return true, nil
	}
	for _, c := range s.Comments {
		if c.TicketID == ticketID && c.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *TicketStore) AddAttachment(ctx context.Context, a *domain.NewAttachment) (*domain.AttachmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &domain.AttachmentRecord{
		ID:           s.id(),
		TicketID:     a.TicketID,
		AuthorID:     a.AuthorID,
		Filename:     a.Filename,
		ContentType:  a.ContentType,
		Filesize:     a.Filesize,
		DiskFilename: a.DiskFilename,
		Digest:       a.Digest,
		CreatedAt:    time.Now(),
	}
	s.Attachments = append(s.Attachments, rec)
	return rec, nil
}

func (s *TicketStore) ListAttachments(ctx context.Context, ticketID int64) ([]*domain.AttachmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*domain.AttachmentRecord
	for _, a := range s.Attachments {
		if a.TicketID == ticketID {
			list = append(list, a)
		}
	}
	return list, nil
}

func (s *TicketStore) FindUserByMail(ctx context.Context, mail string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if strings.EqualFold(u.Mail, mail) {
			return u, nil
		}
	}
	return nil, nil
}

func (s *TicketStore) FindUserByLogin(ctx context.Context, login string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if strings.EqualFold(u.Login, login) {
			return u, nil
		}
	}
	return nil, nil
}

func (s *TicketStore) CreateUser(ctx context.Context, u *domain.NewUser) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateUserErr != nil {
		return nil, s.CreateUserErr
	}
	user := &domain.User{
		ID:               s.id(),
		Login:            u.Login,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Mail:             u.Mail,
		Language:         u.Language,
		MailNotification: u.MailNotification,
		MustChangePasswd: u.MustChangePasswd,
		CreatedAt:        time.Now(),
	}
	s.Users = append(s.Users, user)
	return user, nil
}

func (s *TicketStore) RequiredCustomFields(ctx context.Context, projectID, trackerID int64) ([]*domain.CustomField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fields []*domain.CustomField
	for _, f := range s.Fields {
		if f.Required {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

// TicketCount returns the number of stored tickets.
func (s *TicketStore) TicketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Tickets)
}

// CommentsFor returns the comments of a ticket in insertion order.
func (s *TicketStore) CommentsFor(ticketID int64) []*domain.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*domain.Comment
	for _, c := range s.Comments {
		if c.TicketID == ticketID {
			list = append(list, c)
		}
	}
	return list
}

// =============================================================================
// Blob storage
// =============================================================================

// BlobStorage keeps blobs in memory.
type BlobStorage struct {
	mu    sync.Mutex
	Blobs map[string][]byte
	Err   error
	seq   int
}

func NewBlobStorage() *BlobStorage {
	return &BlobStorage{Blobs: make(map[string][]byte)}
}

func (b *BlobStorage) Put(ctx context.Context, filename string, data []byte) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return "", "", b.Err
	}
	b.seq++
	name := fmt.Sprintf("%d_%s", b.seq, filename)
	b.Blobs[name] = data
	sum := sha256.Sum256(data)
	return name, hex.EncodeToString(sum[:]), nil
}

func (b *BlobStorage) Delete(ctx context.Context, diskFilename string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.Blobs, diskFilename)
	return nil
}

var (
	_ out.MailProvider     = (*Provider)(nil)
	_ out.ProviderRegistry = Registry(nil)
	_ out.JobRepository    = (*JobRepository)(nil)
	_ out.TokenRepository  = (*TokenRepository)(nil)
	_ out.TicketStore      = (*TicketStore)(nil)
	_ out.BlobStorage      = (*BlobStorage)(nil)
)
