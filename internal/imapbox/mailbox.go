// Package imapbox implements the mailbox provider over IMAP.
package imapbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
)

// Config locates and authenticates against an IMAP server.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool   // implicit TLS; STARTTLS otherwise
	Mailbox  string // mailbox to read from; INBOX when empty
}

// Mailbox implements mailbox.Provider over one IMAP session. Email IDs are
// UIDs of the selected mailbox.
type Mailbox struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	created map[string]struct{}
}

// New returns a provider that connects on first use.
func New(cfg Config, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if strings.TrimSpace(cfg.Mailbox) == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &Mailbox{cfg: cfg, logger: logger, created: map[string]struct{}{}}
}

func (m *Mailbox) session(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.client != nil {
		return m.client, nil
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var (
		c   *imapclient.Client
		err error
	)
	if m.cfg.TLS {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to IMAP %s: %w", addr, err)
	}
	if err := c.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("login as %s: %w", m.cfg.Username, err)
	}
	m.logger.InfoContext(ctx, "imap session established", slog.String("addr", addr))
	m.client = c
	return c, nil
}

// Fetch returns up to limit of the newest messages in the configured mailbox.
func (m *Mailbox) Fetch(ctx context.Context, limit int) (_ []mailbox.Email, err error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.dropBroken(err) }()
	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	sel, err := c.Select(m.cfg.Mailbox, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", m.cfg.Mailbox, err)
	}
	if sel.NumMessages == 0 {
		return nil, nil
	}
	start := uint32(1)
	if sel.NumMessages > uint32(limit) {
		start = sel.NumMessages - uint32(limit) + 1
	}
	var seq imap.SeqSet
	seq.AddRange(start, sel.NumMessages)

	msgs, err := c.Fetch(seq, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}
	// newest first, like the Gmail listing
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID > msgs[j].UID })

	emails := make([]mailbox.Email, 0, len(msgs))
	for _, msg := range msgs {
		emails = append(emails, emailFromBuffer(msg, m.cfg.Mailbox))
	}
	m.logger.InfoContext(ctx, "fetched imap messages",
		slog.String("mailbox", m.cfg.Mailbox),
		slog.Int("count", len(emails)),
	)
	return emails, nil
}

// MarkRead adds \Seen.
func (m *Mailbox) MarkRead(ctx context.Context, id string) error {
	return m.storeFlags(ctx, id, imap.StoreFlagsAdd)
}

// MarkUnread removes \Seen.
func (m *Mailbox) MarkUnread(ctx context.Context, id string) error {
	return m.storeFlags(ctx, id, imap.StoreFlagsDel)
}

// MoveToFolder moves the message, creating folder if it does not exist.
// The message gets a new UID in folder, so later actions on id fail.
func (m *Mailbox) MoveToFolder(ctx context.Context, id, folder string) (err error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return errors.New("move: mailbox name is empty")
	}
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.dropBroken(err) }()
	c, err := m.selected(ctx)
	if err != nil {
		return err
	}
	if err := m.ensureMailbox(c, folder); err != nil {
		return err
	}
	if _, err := c.Move(imap.UIDSetNum(uid), folder).Wait(); err != nil {
		return fmt.Errorf("move %s to %s: %w", id, folder, err)
	}
	return nil
}

// Close logs out and drops the session.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Logout().Wait()
	_ = m.client.Close()
	m.client = nil
	return err
}

func (m *Mailbox) storeFlags(ctx context.Context, id string, op imap.StoreFlagsOp) (err error) {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.dropBroken(err) }()
	c, err := m.selected(ctx)
	if err != nil {
		return err
	}
	cmd := c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("store flags on %s: %w", id, err)
	}
	return nil
}

// selected returns a session with the configured mailbox selected.
func (m *Mailbox) selected(ctx context.Context) (*imapclient.Client, error) {
	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	if st := c.Mailbox(); st != nil && st.Name == m.cfg.Mailbox {
		return c, nil
	}
	if _, err := c.Select(m.cfg.Mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", m.cfg.Mailbox, err)
	}
	return c, nil
}

// dropBroken closes the cached session when err came from the transport
// rather than from a tagged server response, so the next call redials.
// Callers hold m.mu.
func (m *Mailbox) dropBroken(err error) {
	if m.client == nil || !connectionLost(err) {
		return
	}
	m.logger.Warn("dropping imap session", slog.String("error", err.Error()))
	_ = m.client.Close()
	m.client = nil
}

// connectionLost reports whether err leaves the session unusable. NO and BAD
// responses arrive as *imap.Error; anything else is an I/O failure.
func connectionLost(err error) bool {
	if err == nil {
		return false
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (m *Mailbox) ensureMailbox(c *imapclient.Client, name string) error {
	if _, ok := m.created[name]; ok {
		return nil
	}
	err := c.Create(name, nil).Wait()
	var imapErr *imap.Error
	if err != nil && !(errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAlreadyExists) {
		return fmt.Errorf("create mailbox %s: %w", name, err)
	}
	m.created[name] = struct{}{}
	return nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid IMAP UID %q", id)
	}
	return imap.UID(n), nil
}

func emailFromBuffer(buf *imapclient.FetchMessageBuffer, folder string) mailbox.Email {
	e := mailbox.Email{
		ID:      strconv.FormatUint(uint64(buf.UID), 10),
		Mailbox: folder,
	}
	for _, f := range buf.Flags {
		if f == imap.FlagSeen {
			e.IsRead = true
		}
	}
	if env := buf.Envelope; env != nil {
		e.Subject = env.Subject
		e.ThreadID = env.MessageID
		if len(env.From) > 0 {
			from := env.From[0]
			e.From = mailbox.DisplayAddress(from.Name, from.Addr())
		}
		if !env.Date.IsZero() {
			ts := env.Date
			e.ReceivedAt = &ts
		}
	}
	if e.ReceivedAt == nil && !buf.InternalDate.IsZero() {
		ts := buf.InternalDate
		e.ReceivedAt = &ts
	}
	return e
}

var _ mailbox.Provider = (*Mailbox)(nil)
