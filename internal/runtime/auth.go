package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/inboxrules/internal/gmail"
)

// ErrNoToken reports that no saved OAuth token exists yet.
var ErrNoToken = errors.New("no saved gmail token; run `inboxrules auth` first")

const authTimeout = 5 * time.Minute

// GmailAuth locates the OAuth client secrets and the cached user token.
type GmailAuth struct {
	CredentialsFile string
	TokenFile       string
	Port            int // loopback port for the consent redirect; 0 picks one
}

// OAuthConfig reads the installed-app client secrets for the modify scope.
func (a GmailAuth) OAuthConfig() (*oauth2.Config, error) {
	raw, err := os.ReadFile(a.CredentialsFile) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(raw, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return conf, nil
}

// NewGmailClient builds a Gmail client from the saved token. Refreshed
// tokens are written back to TokenFile.
func NewGmailClient(ctx context.Context, auth GmailAuth, logger *slog.Logger) (gc.Client, error) {
	conf, err := auth.OAuthConfig()
	if err != nil {
		return nil, err
	}
	tok, err := LoadToken(auth.TokenFile)
	if err != nil {
		return nil, err
	}
	ts := &persistingTokenSource{
		base:   conf.TokenSource(ctx, tok),
		path:   auth.TokenFile,
		last:   tok.AccessToken,
		logger: logger,
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGoogleAPIClient(svc), nil
}

// Authorize runs the loopback consent flow: it prints the consent URL to
// out, waits for Google's redirect, exchanges the code and saves the token.
func Authorize(ctx context.Context, auth GmailAuth, out io.Writer) (*oauth2.Token, error) {
	conf, err := auth.OAuthConfig()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", auth.Port))
	if err != nil {
		return nil, fmt.Errorf("listen for oauth redirect: %w", err)
	}
	conf.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())

	state := uuid.NewString()
	codes := make(chan string, 1)
	errs := make(chan error, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			if e := q.Get("error"); e != "" {
				http.Error(w, "authorization denied", http.StatusForbidden)
				select {
				case errs <- fmt.Errorf("authorization denied: %s", e):
				default:
				}
				return
			}
			_, _ = io.WriteString(w, "Authorization complete. You can close this window.\n")
			select {
			case codes <- q.Get("code"):
			default:
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Open this URL in your browser to authorize access:\n\n%s\n\n", authURL)

	waitCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	var code string
	select {
	case code = <-codes:
	case err := <-errs:
		return nil, err
	case <-waitCtx.Done():
		return nil, fmt.Errorf("wait for authorization: %w", waitCtx.Err())
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := SaveToken(auth.TokenFile, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return &tok, nil
}

// SaveToken writes tok as JSON, readable only by the owner.
func SaveToken(path string, tok *oauth2.Token) error {
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

type persistingTokenSource struct {
	base   oauth2.TokenSource
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := SaveToken(p.path, tok); err != nil && p.logger != nil {
			p.logger.Warn("could not persist refreshed token", slog.String("error", err.Error()))
		}
	}
	return tok, nil
}
