package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"
)

// GoogleScopes cover reading mail and maintaining the sink spreadsheet.
// Full drive access lets an existing spreadsheet be found by name.
var GoogleScopes = []string{
	gmail.GmailReadonlyScope,
	sheets.SpreadsheetsScope,
	drive.DriveScope,
}

// Google authorizes API clients for one Google account
type Google struct {
	Config  *oauth2.Config
	Store   TokenStore
	Account string
	Log     logrus.FieldLogger
}

// NewGoogle loads OAuth client credentials from a downloaded credentials.json
func NewGoogle(credentialsFile string, store TokenStore, account string, log logrus.FieldLogger) (*Google, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, GoogleScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	return &Google{Config: cfg, Store: store, Account: account, Log: log}, nil
}

// Client returns an HTTP client that refreshes and persists the stored token
func (g *Google) Client(ctx context.Context) (*http.Client, error) {
	tok, err := g.Store.Load(g.key())
	if err != nil {
		return nil, fmt.Errorf("%w (run `inbox-ledger auth google`)", err)
	}
	src := &savingSource{
		base: g.Config.TokenSource(ctx, tok),
		last: tok,
		save: func(t *oauth2.Token) error { return g.Store.Save(g.key(), t) },
		log:  g.Log,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// Login runs the installed-app loopback flow. open is handed the consent URL.
func (g *Google) Login(ctx context.Context, open func(url string) error) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for oauth redirect: %w", err)
	}
	defer ln.Close()

	cfg := *g.Config
	cfg.RedirectURL = "http://" + ln.Addr().String() + "/callback"
	state, err := randomState()
	if err != nil {
		return err
	}

	codes := make(chan string, 1)
	errs := make(chan error, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callback" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			notify(errs, errors.New("oauth state mismatch"))
		case q.Get("error") != "":
			http.Error(w, q.Get("error"), http.StatusBadRequest)
			notify(errs, fmt.Errorf("oauth consent denied: %s", q.Get("error")))
		default:
			fmt.Fprintln(w, "Authorized. You can close this window.")
			notify(codes, q.Get("code"))
		}
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	if err := open(cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)); err != nil {
		return err
	}

	var code string
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errs:
		return err
	case code = <-codes:
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange oauth code: %w", err)
	}
	if err := g.Store.Save(g.key(), tok); err != nil {
		return err
	}
	g.Log.WithField("account", g.key()).Info("google token stored")
	return nil
}

// Logout forgets the stored token
func (g *Google) Logout() error { return g.Store.Delete(g.key()) }

func (g *Google) key() string {
	if g.Account == "" {
		return "google"
	}
	return "google:" + g.Account
}

func notify[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// savingSource persists every token it hands out that differs from the last one
type savingSource struct {
	base oauth2.TokenSource
	save func(*oauth2.Token) error
	log  logrus.FieldLogger

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || tok.AccessToken != s.last.AccessToken {
		if err := s.save(tok); err != nil {
			s.log.WithError(err).Warn("persist refreshed token")
		}
		s.last = tok
	}
	return tok, nil
}
