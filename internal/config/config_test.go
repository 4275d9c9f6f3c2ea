package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/inboxrules/internal/store"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "rules.json", cfg.RulesFile)
	assert.Equal(t, 100, cfg.FetchLimit)
	assert.Equal(t, ProviderGmail, cfg.Provider)
	assert.Equal(t, 4.0, cfg.Gmail.RPS)
	assert.True(t, cfg.Gmail.ArchiveOnMove)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.True(t, cfg.IMAP.TLS)
	assert.Equal(t, store.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "email_processor.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Database.ConnectRetries)
	assert.Equal(t, time.Second, cfg.Database.RetryInterval)
	assert.Equal(t, "errors.log", cfg.Log.ErrorFile)
	assert.NoError(t, Validate(cfg))
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, "inboxrules.yaml", `
rules_file: /etc/inboxrules/rules.yaml
fetch_limit: 25
provider: IMAP
imap:
  host: imap.example.com
  username: me@example.com
database:
  driver: postgres
  host: db
  user: mail
  retry_interval: 250ms
log:
  format: json
`)
	t.Setenv("INBOXRULES_IMAP_PASSWORD", "hunter2")
	t.Setenv("INBOXRULES_FETCH_LIMIT", "40")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/inboxrules/rules.yaml", cfg.RulesFile)
	assert.Equal(t, 40, cfg.FetchLimit, "environment beats the file")
	assert.Equal(t, ProviderIMAP, cfg.Provider)
	assert.Equal(t, "hunter2", cfg.IMAP.Password)
	assert.Equal(t, "INBOX", cfg.IMAP.Mailbox)
	assert.Equal(t, 250*time.Millisecond, cfg.Database.RetryInterval)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, Validate(cfg))

	sc := cfg.Store()
	assert.Equal(t, "postgres://mail@db:5432/email_processor?sslmode=disable", sc.PostgresDSN())
	ic := cfg.IMAPSettings()
	assert.Equal(t, "imap.example.com", ic.Host)
	assert.True(t, ic.TLS)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit path must exist")

	bad := writeFile(t, "bad.yaml", "fetch_limit: [1, 2\n")
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestValidateReportsEverything(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Provider = ProviderIMAP
	cfg.Database.Driver = store.DriverPostgres
	cfg.Database.Host = ""
	cfg.FetchLimit = 0
	cfg.Log.Level = "loud"

	err = Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingSetting)
	for _, want := range []string{"imap.host", "imap.username", "imap.password", "database.host", "database.user", "fetch_limit", "loud"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg.Provider = "pop3"
	cfg.Database.Driver = "oracle"
	err = Validate(cfg)
	assert.ErrorIs(t, err, store.ErrUnknownDriver)
	assert.Contains(t, err.Error(), `unknown provider "pop3"`)
}

func TestPostgresURLSkipsParts(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Database = DatabaseConfig{Driver: store.DriverPostgres, URL: "postgres://x"}
	assert.NoError(t, Validate(cfg))
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env")), "absent file is fine")

	t.Setenv("INBOXRULES_TEST_PRESET", "kept")
	path := writeFile(t, ".env", "INBOXRULES_TEST_DOTENV=loaded\nINBOXRULES_TEST_PRESET=replaced\n")
	require.NoError(t, LoadEnvFile(path))
	t.Cleanup(func() { _ = os.Unsetenv("INBOXRULES_TEST_DOTENV") })

	assert.Equal(t, "loaded", os.Getenv("INBOXRULES_TEST_DOTENV"))
	assert.Equal(t, "kept", os.Getenv("INBOXRULES_TEST_PRESET"))
}

func TestAccessors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "credentials.json", cfg.GmailAuth().CredentialsFile)
	assert.Equal(t, "INBOX", cfg.GmailOptions().Label)
	assert.Equal(t, 100, cfg.GmailOptions().PageSize)
	assert.Equal(t, "info", cfg.Logging().Level)

	cfg.Provider = ProviderGmail
	cfg.Gmail.Label = "Receipts"
	assert.Equal(t, "Receipts", cfg.SourceMailbox())
	cfg.Provider = ProviderIMAP
	cfg.IMAP.Mailbox = ""
	assert.Equal(t, "INBOX", cfg.SourceMailbox())
}
