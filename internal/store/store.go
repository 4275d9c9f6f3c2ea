// Package store persists fetched emails and the actions applied to them.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
)

var (
	// ErrEmailNotFound is returned when an update targets an unknown email ID.
	ErrEmailNotFound = errors.New("email not found")
	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown database driver")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StatusUpdate changes the columns whose pointers are non-nil.
type StatusUpdate struct {
	IsRead  *bool
	Mailbox *string
}

// ActionRecord is one executed (or failed) action.
type ActionRecord struct {
	RunID      string
	EmailID    string
	Rule       string
	Action     string
	Mailbox    string
	Success    bool
	Error      string
	ExecutedAt time.Time
}

// Store is the persistence surface used by the run pipeline.
type Store interface {
	// StoreEmails inserts emails whose IDs are not yet stored and returns
	// how many rows were added.
	StoreEmails(ctx context.Context, emails []mailbox.Email) (int, error)
	// EmailsForProcessing returns every stored email, newest first, with
	// undated emails last.
	EmailsForProcessing(ctx context.Context) ([]mailbox.Email, error)
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error
	RecordAction(ctx context.Context, rec ActionRecord) error
	// ActionLog returns the actions recorded for runID in execution order.
	ActionLog(ctx context.Context, runID string) ([]ActionRecord, error)
	Close() error
}

// Config selects and locates the database.
type Config struct {
	Driver         string
	Path           string // sqlite file
	URL            string // postgres connection string; overrides the parts below
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	ConnectRetries int
	RetryInterval  time.Duration
}

// PostgresDSN returns URL when set, otherwise a URL assembled from the parts.
func (c Config) PostgresDSN() string {
	if strings.TrimSpace(c.URL) != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host,
		Path:   "/" + c.Name,
	}
	if c.Port > 0 {
		u.Host = c.Host + ":" + strconv.Itoa(c.Port)
	}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Open connects to the configured database and applies pending migrations.
// Connection attempts are retried ConnectRetries times, RetryInterval apart.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var st Store
	connect := func() error {
		opened, err := openDriver(ctx, cfg)
		if err != nil {
			return err
		}
		st = opened
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "database connection failed; retrying",
			slog.String("driver", cfg.Driver),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	if err := backoff.RetryNotify(connect, retryPolicy(ctx, cfg), notify); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.InfoContext(ctx, "database ready", slog.String("driver", cfg.Driver))
	return st, nil
}

func openDriver(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN())
	default:
		return nil, backoff.Permanent(fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver))
	}
}

func retryPolicy(ctx context.Context, cfg Config) backoff.BackOff {
	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 1
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// nullable dereferences p for drivers that do not accept pointer arguments.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func toUnixMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UTC().UnixMilli()
	return &ms
}

func fromUnixMilli(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
