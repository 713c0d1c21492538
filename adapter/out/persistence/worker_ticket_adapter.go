package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// TicketStoreAdapter - issues, journals, users and custom fields
// =============================================================================

// TicketStoreAdapter implements out.TicketStore on the tracker tables.
type TicketStoreAdapter struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewTicketStoreAdapter creates a new TicketStoreAdapter.
func NewTicketStoreAdapter(db *sqlx.DB) *TicketStoreAdapter {
	return &TicketStoreAdapter{db: db, now: time.Now}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type issueRow struct {
	ID           int64          `db:"id"`
	ProjectID    int64          `db:"project_id"`
	TrackerID    int64          `db:"tracker_id"`
	StatusID     int64          `db:"status_id"`
	PriorityID   int64          `db:"priority_id"`
	AuthorID     int64          `db:"author_id"`
	AssignedToID sql.NullInt64  `db:"assigned_to_id"`
	Subject      string         `db:"subject"`
	Description  string         `db:"description"`
	ThreadID     sql.NullString `db:"thread_id"`
	MessageID    sql.NullString `db:"message_id"`
	CreatedAt    time.Time      `db:"created_at"`
}

const issueColumns = `id, project_id, tracker_id, status_id, priority_id, author_id, assigned_to_id,
	subject, description, thread_id, message_id, created_at`

func (r *issueRow) toDomain() *domain.Ticket {
	t := &domain.Ticket{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		TrackerID:   r.TrackerID,
		StatusID:    r.StatusID,
		PriorityID:  r.PriorityID,
		AuthorID:    r.AuthorID,
		Subject:     r.Subject,
		Description: r.Description,
		ThreadID:    r.ThreadID.String,
		MessageID:   r.MessageID.String,
		CreatedAt:   r.CreatedAt,
	}
	if r.AssignedToID.Valid {
		id := r.AssignedToID.Int64
		t.AssignedToID = &id
	}
	return t
}

type userRow struct {
	ID               int64     `db:"id"`
	Login            string    `db:"login"`
	FirstName        string    `db:"firstname"`
	LastName         string    `db:"lastname"`
	Mail             string    `db:"mail"`
	Language         string    `db:"language"`
	MailNotification string    `db:"mail_notification"`
	MustChangePasswd bool      `db:"must_change_passwd"`
	CreatedAt        time.Time `db:"created_at"`
}

const userColumns = `id, login, firstname, lastname, mail, language, mail_notification, must_change_passwd, created_at`

func (r *userRow) toDomain() *domain.User {
	return &domain.User{
		ID:               r.ID,
		Login:            r.Login,
		FirstName:        r.FirstName,
		LastName:         r.LastName,
		Mail:             r.Mail,
		Language:         r.Language,
		MailNotification: r.MailNotification,
		MustChangePasswd: r.MustChangePasswd,
		CreatedAt:        r.CreatedAt,
	}
}

type customFieldRow struct {
	ID             int64  `db:"id"`
	Name           string `db:"name"`
	Format         string `db:"field_format"`
	Required       bool   `db:"is_required"`
	DefaultValue   string `db:"default_value"`
	MinLength      int    `db:"min_length"`
	MaxLength      int    `db:"max_length"`
	Regexp         string `db:"regexp"`
	PossibleValues string `db:"possible_values"`
}

func (r *customFieldRow) toDomain() *domain.CustomField {
	f := &domain.CustomField{
		ID:           r.ID,
		Name:         r.Name,
		Format:       domain.CustomFieldFormat(r.Format),
		Required:     r.Required,
		DefaultValue: r.DefaultValue,
		MinLength:    r.MinLength,
		MaxLength:    r.MaxLength,
		Regexp:       r.Regexp,
	}
	// JSON array; older rows hold one value per line
	if v := strings.TrimSpace(r.PossibleValues); v != "" {
		if err := json.Unmarshal([]byte(v), &f.PossibleValues); err != nil {
			f.PossibleValues = strings.Split(v, "\n")
		}
	}
	return f
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// =============================================================================
// Tickets
// =============================================================================

// CreateTicket inserts the issue and its custom values in one transaction.
func (s *TicketStoreAdapter) CreateTicket(ctx context.Context, t *domain.NewTicket) (*domain.Ticket, error) {
	if strings.TrimSpace(t.Subject) == "" {
		return nil, &domain.ValidationError{Entity: "ticket", Fields: []string{"subject"}}
	}

	required, err := s.RequiredCustomFields(ctx, t.ProjectID, t.TrackerID)
	if err != nil {
		return nil, err
	}
	if missing := missingFields(required, t.CustomValues); len(missing) > 0 {
		return nil, &domain.ValidationError{Entity: "ticket", Fields: missing}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	ticket := &domain.Ticket{
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
		CreatedAt:    now,
	}

	query := tx.Rebind(`
		INSERT INTO issues (project_id, tracker_id, status_id, priority_id, author_id, assigned_to_id,
			subject, description, thread_id, message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err = tx.QueryRowxContext(ctx, query,
		t.ProjectID, t.TrackerID, t.StatusID, t.PriorityID, t.AuthorID, nullInt64(t.AssignedToID),
		t.Subject, t.Description, nullString(t.ThreadID), nullString(t.MessageID), now, now,
	).Scan(&ticket.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrTicketExists
		}
		return nil, fmt.Errorf("failed to insert issue: %w", err)
	}

	valueQuery := tx.Rebind(`INSERT INTO custom_values (customized_id, custom_field_id, value) VALUES (?, ?, ?)`)
	for fieldID, value := range t.CustomValues {
		if _, err := tx.ExecContext(ctx, valueQuery, ticket.ID, fieldID, value); err != nil {
			return nil, fmt.Errorf("failed to insert custom value %d: %w", fieldID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrTicketExists
		}
		return nil, fmt.Errorf("failed to commit issue: %w", err)
	}
	return ticket, nil
}

func missingFields(fields []*domain.CustomField, values map[int64]string) []string {
	var missing []string
	for _, f := range fields {
		v := values[f.ID]
		switch {
		case strings.TrimSpace(v) == "":
			missing = append(missing, f.Name)
		case f.MinLength > 0 && len([]rune(v)) < f.MinLength:
			missing = append(missing, f.Name+" is too short")
		case f.MaxLength > 0 && len([]rune(v)) > f.MaxLength:
			missing = append(missing, f.Name+" is too long")
		}
	}
	return missing
}

func (s *TicketStoreAdapter) FindTicketByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	return s.findTicket(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
}

func (s *TicketStoreAdapter) FindTicketByThreadID(ctx context.Context, threadID string) (*domain.Ticket, error) {
	if threadID == "" {
		return nil, nil
	}
	return s.findTicket(ctx, `SELECT `+issueColumns+` FROM issues WHERE thread_id = ?`, threadID)
}

func (s *TicketStoreAdapter) findTicket(ctx context.Context, query string, arg any) (*domain.Ticket, error) {
	var row issueRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// =============================================================================
// Journals
// =============================================================================

// AppendComment adds a journal with the source message id as marker.
func (s *TicketStoreAdapter) AppendComment(ctx context.Context, ticketID, authorID int64, notes, messageID string) (*domain.Comment, error) {
	now := s.now()
	c := &domain.Comment{TicketID: ticketID, AuthorID: authorID, Notes: notes, MessageID: messageID, CreatedAt: now}

	query := s.db.Rebind(`
		INSERT INTO journals (journalized_id, user_id, notes, message_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`)
	if err := s.db.QueryRowxContext(ctx, query, ticketID, authorID, notes, nullString(messageID), now).Scan(&c.ID); err != nil {
		return nil, fmt.Errorf("failed to insert journal: %w", err)
	}

	touch := s.db.Rebind(`UPDATE issues SET updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, touch, now, ticketID); err != nil {
		return nil, fmt.Errorf("failed to touch issue %d: %w", ticketID, err)
	}
	return c, nil
}

// HasCommentMarker reports whether messageID is already on the ticket, either
// as the origin email of the issue or as a journal marker.
func (s *TicketStoreAdapter) HasCommentMarker(ctx context.Context, ticketID int64, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var n int
	query := s.db.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM issues WHERE id = ? AND message_id = ?) +
			(SELECT COUNT(*) FROM journals WHERE journalized_id = ? AND message_id = ?)`)
	if err := s.db.GetContext(ctx, &n, query, ticketID, messageID, ticketID, messageID); err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// Users
// =============================================================================

func (s *TicketStoreAdapter) FindUserByMail(ctx context.Context, mail string) (*domain.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(mail) = ? ORDER BY id LIMIT 1`, strings.ToLower(mail))
}

func (s *TicketStoreAdapter) FindUserByLogin(ctx context.Context, login string) (*domain.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE login = ?`, login)
}

func (s *TicketStoreAdapter) findUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// CreateUser inserts a provisioned account. A taken login is reported as a
// validation error.
func (s *TicketStoreAdapter) CreateUser(ctx context.Context, u *domain.NewUser) (*domain.User, error) {
	if u.Login == "" || u.Mail == "" {
		return nil, &domain.ValidationError{Entity: "user", Fields: []string{"login", "mail"}}
	}

	now := s.now()
	user := &domain.User{
		Login:            u.Login,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Mail:             u.Mail,
		Language:         u.Language,
		MailNotification: u.MailNotification,
		MustChangePasswd: u.MustChangePasswd,
		CreatedAt:        now,
	}

	query := s.db.Rebind(`
		INSERT INTO users (login, firstname, lastname, mail, language, hashed_password, mail_notification, must_change_passwd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query,
		u.Login, u.FirstName, u.LastName, u.Mail, u.Language, u.HashedPassword, u.MailNotification, u.MustChangePasswd, now,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &domain.ValidationError{Entity: "user", Fields: []string{"login has already been taken"}}
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

// =============================================================================
// Custom Fields
// =============================================================================

// RequiredCustomFields lists the required fields of the tracker that apply to
// the project, either for all projects or through an explicit link.
func (s *TicketStoreAdapter) RequiredCustomFields(ctx context.Context, projectID, trackerID int64) ([]*domain.CustomField, error) {
	var rows []customFieldRow
	query := s.db.Rebind(`
		SELECT cf.id, cf.name, cf.field_format, cf.is_required, cf.default_value,
		       cf.min_length, cf.max_length, cf.regexp, cf.possible_values
		FROM custom_fields cf
		INNER JOIN custom_fields_trackers ct ON ct.custom_field_id = cf.id
		WHERE ct.tracker_id = ?
		  AND cf.is_required = ?
		  AND (cf.is_for_all = ? OR EXISTS (
		      SELECT 1 FROM custom_fields_projects cp
		      WHERE cp.custom_field_id = cf.id AND cp.project_id = ?))
		ORDER BY cf.id`)

	if err := s.db.SelectContext(ctx, &rows, query, trackerID, true, true, projectID); err != nil {
		return nil, fmt.Errorf("failed to load required custom fields: %w", err)
	}

	fields := make([]*domain.CustomField, 0, len(rows))
	for i := range rows {
		fields = append(fields, rows[i].toDomain())
	}
	return fields, nil
}

// CustomValues returns the stored custom values of a ticket keyed by field.
func (s *TicketStoreAdapter) CustomValues(ctx context.Context, ticketID int64) (map[int64]string, error) {
	var rows []struct {
		FieldID int64  `db:"custom_field_id"`
		Value   string `db:"value"`
	}
	query := s.db.Rebind(`SELECT custom_field_id, value FROM custom_values WHERE customized_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, ticketID); err != nil {
		return nil, err
	}
	values := make(map[int64]string, len(rows))
	for _, r := range rows {
		values[r.FieldID] = r.Value
	}
	return values, nil
}

var _ out.TicketStore = (*TicketStoreAdapter)(nil)
