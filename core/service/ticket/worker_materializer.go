package ticket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"
	"ticket_worker/pkg/metrics"

	"golang.org/x/crypto/bcrypt"
)

const (
	NamePlaceholder = "-"

	defaultLoginMaxLength = 60
	firstNameMaxLength    = 30
	lastNameMaxLength     = 255
	generatedPasswordLen  = 24
	maxLoginSuffix        = 20
)

// MaterializerConfig holds the provisioning and attachment settings.
type MaterializerConfig struct {
	FallbackUserID     int64
	DefaultLanguage    string
	LoginMaxLength     int
	MaxAttachmentBytes int64
}

// Materializer turns messages into users, comments and attachments. Every
// operation is safe to repeat for the same message.
type Materializer struct {
	store out.TicketStore
	blobs out.BlobStorage
	cfg   MaterializerConfig
}

// NewMaterializer creates a new materializer.
func NewMaterializer(store out.TicketStore, blobs out.BlobStorage, cfg MaterializerConfig) *Materializer {
	if cfg.LoginMaxLength <= 0 {
		cfg.LoginMaxLength = defaultLoginMaxLength
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Materializer{store: store, blobs: blobs, cfg: cfg}
}

// =============================================================================
// Users
// =============================================================================

// ResolveAuthor returns the user id of the sender, provisioning an account
// when none exists. On failure it returns the fallback user together with a
// provisioning SyncError the caller only logs.
func (m *Materializer) ResolveAuthor(ctx context.Context, msg *domain.NormalizedMessage) (int64, error) {
	mail := strings.ToLower(strings.TrimSpace(msg.SenderAddress))
	if mail == "" {
		return m.fallback(domain.NewProvisioningError("(no sender)", fmt.Errorf("message %s has no sender address", msg.ID)))
	}

	user, err := m.store.FindUserByMail(ctx, mail)
	if err != nil {
		return m.fallback(domain.NewProvisioningError(mail, err))
	}
	if user != nil {
		return user.ID, nil
	}

	login, err := m.availableLogin(ctx, mail)
	if err != nil {
		return m.fallback(domain.NewProvisioningError(mail, err))
	}

	hashed, err := generatePasswordHash()
	if err != nil {
		return m.fallback(domain.NewProvisioningError(mail, err))
	}

	first, last := msg.SenderFirstName, msg.SenderLastName
	if first == "" && last == "" {
		first, last = domain.SplitName(msg.SenderName)
	}

	user, err = m.store.CreateUser(ctx, &domain.NewUser{
		Login:            login,
		FirstName:        nameOrPlaceholder(first, firstNameMaxLength),
		LastName:         nameOrPlaceholder(last, lastNameMaxLength),
		Mail:             mail,
		Language:         m.cfg.DefaultLanguage,
		HashedPassword:   hashed,
		MailNotification: domain.MailNotificationNone,
		MustChangePasswd: true,
	})
	if err != nil {
		return m.fallback(domain.NewProvisioningError(mail, err))
	}

	metrics.RecordUserProvisioning("created")
	logger.WithFields(map[string]any{"user_id": user.ID, "login": login}).Info("provisioned user for %s", mail)
	return user.ID, nil
}

func (m *Materializer) fallback(err *domain.SyncError) (int64, error) {
	metrics.RecordUserProvisioning("fallback")
	logger.WithField("fallback_user_id", m.cfg.FallbackUserID).WithError(err).Warn("user provisioning failed")
	return m.cfg.FallbackUserID, err
}

// availableLogin derives a login from the address and appends a numeric
// suffix while the login is taken.
func (m *Materializer) availableLogin(ctx context.Context, mail string) (string, error) {
	base := sanitizeLogin(mail)
	candidate := truncate(base, m.cfg.LoginMaxLength)

	for n := 1; ; n++ {
		existing, err := m.store.FindUserByLogin(ctx, candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
		if n > maxLoginSuffix {
			return "", fmt.Errorf("no free login for %s", mail)
		}
		suffix := fmt.Sprintf("-%d", n)
		candidate = truncate(base, m.cfg.LoginMaxLength-len(suffix)) + suffix
	}
}

// sanitizeLogin keeps letters, digits and _-@. so the login passes the
// tracker's format check.
func sanitizeLogin(mail string) string {
	var b strings.Builder
	for _, r := range mail {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '@' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func nameOrPlaceholder(name string, max int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return NamePlaceholder
	}
	return truncate(name, max)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if max > 0 && len(r) > max {
		return string(r[:max])
	}
	return s
}

func generatePasswordHash() (string, error) {
	raw := make([]byte, generatedPasswordLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(raw)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// =============================================================================
// Attachments
// =============================================================================

// StoreAttachments persists the attachments the ticket does not have yet,
// keyed by filename, content type and size. It returns the number stored.
func (m *Materializer) StoreAttachments(ctx context.Context, ticketID, authorID int64, attachments []domain.MessageAttachment) (int, error) {
	if len(attachments) == 0 {
		return 0, nil
	}

	existing, err := m.store.ListAttachments(ctx, ticketID)
	if err != nil {
		return 0, fmt.Errorf("failed to list attachments of ticket %d: %w", ticketID, err)
	}
	seen := make(map[domain.AttachmentKey]bool, len(existing))
	for _, a := range existing {
		seen[a.Key()] = true
	}

	stored := 0
	for _, att := range attachments {
		key := att.Key()
		if seen[key] {
			metrics.RecordAttachment("duplicate")
			continue
		}
		if m.cfg.MaxAttachmentBytes > 0 && att.Size() > m.cfg.MaxAttachmentBytes {
			metrics.RecordAttachment("skipped")
			logger.WithFields(map[string]any{
				"ticket_id": ticketID,
				"filename":  att.Filename,
				"size":      att.Size(),
			}).Warn("attachment exceeds size limit, skipped")
			continue
		}

		diskName, digest, err := m.blobs.Put(ctx, att.Filename, att.Data)
		if err != nil {
			metrics.RecordAttachment("failed")
			return stored, fmt.Errorf("failed to store attachment %s: %w", att.Filename, err)
		}

		_, err = m.store.AddAttachment(ctx, &domain.NewAttachment{
			TicketID:     ticketID,
			AuthorID:     authorID,
			Filename:     att.Filename,
			ContentType:  att.ContentType,
			Filesize:     att.Size(),
			DiskFilename: diskName,
			Digest:       digest,
		})
		if err != nil {
			metrics.RecordAttachment("failed")
			if delErr := m.blobs.Delete(ctx, diskName); delErr != nil {
				logger.WithError(delErr).Warn("failed to remove orphan blob %s", diskName)
			}
			return stored, fmt.Errorf("failed to attach %s to ticket %d: %w", att.Filename, ticketID, err)
		}

		seen[key] = true
		stored++
		metrics.RecordAttachment("stored")
	}
	return stored, nil
}

// =============================================================================
// Comments
// =============================================================================

// AppendMessage adds msg to the ticket as a comment unless a comment with its
// marker exists. Attachments are reconciled either way so a run interrupted
// between the two steps is repaired. It reports whether a comment was added.
func (m *Materializer) AppendMessage(ctx context.Context, ticketID int64, msg *domain.NormalizedMessage) (bool, error) {
	authorID, provErr := m.ResolveAuthor(ctx, msg)
	if provErr != nil {
		logger.WithField("message_id", msg.ID).Debug("comment authored by fallback user")
	}

	if _, err := m.StoreAttachments(ctx, ticketID, authorID, msg.Attachments); err != nil {
		return false, err
	}

	marked, err := m.store.HasCommentMarker(ctx, ticketID, msg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check comment marker: %w", err)
	}
	if marked {
		return false, nil
	}

	if _, err := m.store.AppendComment(ctx, ticketID, authorID, commentNotes(msg), msg.ID); err != nil {
		return false, fmt.Errorf("failed to append comment to ticket %d: %w", ticketID, err)
	}
	metrics.CommentsAppended.Inc()
	return true, nil
}

func commentNotes(msg *domain.NormalizedMessage) string {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return msg.Subject
	}
	return body
}
