package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
	"github.com/joshsymonds/inboxrules/internal/rate"
)

const maxPageSize = 500

func metadataHeaders() []string {
	return []string{"From", "Subject", "Date"}
}

// Options controls which messages the provider reads and how moves behave.
type Options struct {
	Label         string // label name to fetch from; INBOX when empty
	PageSize      int
	ArchiveOnMove bool // remove INBOX when moving into another label
}

// Mailbox implements mailbox.Provider on top of a Gmail Client.
type Mailbox struct {
	Client  Client
	Limiter rate.Limiter
	Logger  *slog.Logger
	Options Options

	mu     sync.Mutex
	labels map[string]LabelID
}

// NewMailbox constructs a provider with defaults applied.
func NewMailbox(client Client, limiter rate.Limiter, logger *slog.Logger, opts Options) *Mailbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	if strings.TrimSpace(opts.Label) == "" {
		opts.Label = string(LabelInbox)
	}
	if opts.PageSize <= 0 || opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	return &Mailbox{Client: client, Limiter: limiter, Logger: logger, Options: opts}
}

// Fetch returns up to limit of the newest messages under the configured label.
func (m *Mailbox) Fetch(ctx context.Context, limit int) ([]mailbox.Email, error) {
	if limit <= 0 {
		return nil, nil
	}
	labelID, err := m.resolveLabel(ctx, m.Options.Label)
	if err != nil {
		return nil, err
	}
	query := Query{LabelIDs: []LabelID{labelID}}

	var (
		ids   []MessageID
		token string
	)
	for len(ids) < limit {
		size := m.Options.PageSize
		if remaining := limit - len(ids); remaining < size {
			size = remaining
		}
		if err := m.wait(ctx, "rate limit list"); err != nil {
			return nil, err
		}
		page, err := m.Client.List(ctx, query, token, size)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		ids = append(ids, page.IDs...)
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	emails := make([]mailbox.Email, 0, len(ids))
	for _, id := range ids {
		if err := m.wait(ctx, "rate limit metadata"); err != nil {
			return nil, err
		}
		meta, err := m.Client.GetMetadata(ctx, id, metadataHeaders())
		if err != nil {
			return nil, fmt.Errorf("get metadata %s: %w", id, err)
		}
		emails = append(emails, messageToEmail(meta, m.Options.Label))
	}
	m.Logger.InfoContext(ctx, "fetched gmail messages",
		slog.String("label", m.Options.Label),
		slog.Int("count", len(emails)),
	)
	return emails, nil
}

// MarkRead removes the UNREAD label.
func (m *Mailbox) MarkRead(ctx context.Context, id string) error {
	return m.modify(ctx, id, ModifyOps{RemoveLabels: []LabelID{LabelUnread}})
}

// MarkUnread adds the UNREAD label.
func (m *Mailbox) MarkUnread(ctx context.Context, id string) error {
	return m.modify(ctx, id, ModifyOps{AddLabels: []LabelID{LabelUnread}})
}

// MoveToFolder applies the label named folder, creating it if needed.
func (m *Mailbox) MoveToFolder(ctx context.Context, id, folder string) error {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return errors.New("move: mailbox name is empty")
	}
	labelID, err := m.ensureLabel(ctx, folder)
	if err != nil {
		return err
	}
	ops := ModifyOps{AddLabels: []LabelID{labelID}}
	if m.Options.ArchiveOnMove && labelID != LabelInbox {
		ops.RemoveLabels = []LabelID{LabelInbox}
	}
	return m.modify(ctx, id, ops)
}

// Close is a no-op; the HTTP client holds no session.
func (m *Mailbox) Close() error {
	return nil
}

func (m *Mailbox) modify(ctx context.Context, id string, ops ModifyOps) error {
	if err := m.wait(ctx, "rate limit modify"); err != nil {
		return err
	}
	if err := m.Client.Modify(ctx, MessageID(id), ops); err != nil {
		return fmt.Errorf("modify message %s: %w", id, err)
	}
	return nil
}

func (m *Mailbox) resolveLabel(ctx context.Context, name string) (LabelID, error) {
	if err := m.loadLabels(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.labels[name]; ok {
		return id, nil
	}
	return "", fmt.Errorf("label %q not found", name)
}

func (m *Mailbox) ensureLabel(ctx context.Context, name string) (LabelID, error) {
	if err := m.loadLabels(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	id, ok := m.labels[name]
	m.mu.Unlock()
	if ok {
		return id, nil
	}
	if err := m.wait(ctx, "rate limit labels"); err != nil {
		return "", err
	}
	id, err := m.Client.EnsureLabel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("ensure label %q: %w", name, err)
	}
	m.Logger.InfoContext(ctx, "created label", slog.String("label", name))
	m.mu.Lock()
	m.labels[name] = id
	m.mu.Unlock()
	return id, nil
}

func (m *Mailbox) loadLabels(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.labels != nil
	m.mu.Unlock()
	if loaded {
		return nil
	}
	if err := m.wait(ctx, "rate limit labels"); err != nil {
		return err
	}
	byName, _, err := m.Client.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	labels := make(map[string]LabelID, len(byName))
	for name, id := range byName {
		labels[name] = id
	}
	m.mu.Lock()
	m.labels = labels
	m.mu.Unlock()
	return nil
}

func (m *Mailbox) wait(ctx context.Context, operation string) error {
	if err := m.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}

func messageToEmail(meta MessageMeta, label string) mailbox.Email {
	var h mail.Header
	for k, v := range meta.Headers {
		h.Set(k, v)
	}
	subject, err := h.Text("Subject")
	if err != nil {
		subject = meta.Headers["Subject"]
	}
	return mailbox.Email{
		ID:         string(meta.ID),
		ThreadID:   meta.ThreadID,
		From:       sender(h, meta.Headers["From"]),
		Subject:    subject,
		ReceivedAt: receivedAt(h, meta.InternalDate),
		Mailbox:    label,
		IsRead:     !meta.HasLabel(LabelUnread),
		Snippet:    meta.Snippet,
	}
}

// sender decodes the From header into plain text so encoded display names
// match conditions the way they read in a mail client.
func sender(h mail.Header, raw string) string {
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		return mailbox.DisplayAddress(list[0].Name, list[0].Address)
	}
	if text, err := h.Text("From"); err == nil {
		return text
	}
	return raw
}

func receivedAt(h mail.Header, internal time.Time) *time.Time {
	if h.Get("Date") != "" {
		if ts, err := h.Date(); err == nil {
			return &ts
		}
	}
	if !internal.IsZero() {
		ts := internal
		return &ts
	}
	return nil
}

var _ mailbox.Provider = (*Mailbox)(nil)
