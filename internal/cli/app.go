package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/Martian-dev/inbox-ledger/internal/auth"
	"github.com/Martian-dev/inbox-ledger/internal/config"
	"github.com/Martian-dev/inbox-ledger/internal/eventstore/sqlite"
	"github.com/Martian-dev/inbox-ledger/internal/extract"
	"github.com/Martian-dev/inbox-ledger/internal/logging"
	"github.com/Martian-dev/inbox-ledger/internal/mail"
	"github.com/Martian-dev/inbox-ledger/internal/providers/gmail"
	"github.com/Martian-dev/inbox-ledger/internal/providers/imap"
	"github.com/Martian-dev/inbox-ledger/internal/providers/outlook"
	"github.com/Martian-dev/inbox-ledger/internal/rate"
	"github.com/Martian-dev/inbox-ledger/internal/sink"
	"github.com/Martian-dev/inbox-ledger/internal/sink/gsheets"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

// app holds the configuration and the lazily built clients shared by commands
type app struct {
	cfg       *config.Config
	log       *logrus.Logger
	logCloser io.Closer
	registry  *extract.Registry

	google   *auth.Google
	client   *http.Client
	sources  map[string]mail.Source
	ledger   *sqlite.Store
	limiters []*rate.TokenBucket
}

func (a *app) init(flags *rootFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		closer.Close()
		return err
	}

	a.cfg = cfg
	a.log = log
	a.logCloser = closer
	a.registry = registry
	a.sources = make(map[string]mail.Source)
	return nil
}

func (a *app) close() {
	for _, l := range a.limiters {
		l.Stop()
	}
	a.limiters = nil
	if a.ledger != nil {
		a.ledger.Close()
		a.ledger = nil
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// buildRegistry applies configured sender and subject overrides to the built-in profiles
func buildRegistry(cfg *config.Config) (*extract.Registry, error) {
	registry := extract.Builtin()
	for kind, src := range cfg.Sources {
		if src.Sender == "" && src.Subject == "" {
			continue
		}
		f, err := registry.FilterFor(kind)
		if err != nil {
			return nil, fmt.Errorf("sources.%s: %w", kind, err)
		}
		if src.Sender != "" {
			f.Sender = src.Sender
		}
		if src.Subject != "" {
			f.Subject = src.Subject
		}
		if err := registry.Override(kind, f); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// selectKinds validates requested kinds, defaulting to every enabled one
func (a *app) selectKinds(args []string) ([]string, error) {
	if len(args) == 0 {
		args = a.cfg.Enabled()
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no source enabled")
	}
	for _, kind := range args {
		if _, err := a.registry.Lookup(kind); err != nil {
			return nil, err
		}
		if _, ok := a.cfg.Sources[kind]; !ok {
			return nil, fmt.Errorf("source %q is not configured", kind)
		}
	}
	return args, nil
}

func (a *app) googleAuth() (*auth.Google, error) {
	if a.google != nil {
		return a.google, nil
	}
	store, err := auth.OpenKeyring(a.cfg.Keyring.Dir, a.cfg.Keyring.Password)
	if err != nil {
		return nil, err
	}
	g, err := auth.NewGoogle(a.cfg.Google.Credentials, store, a.cfg.Google.Account, a.log)
	if err != nil {
		return nil, err
	}
	a.google = g
	return g, nil
}

func (a *app) googleClient(ctx context.Context) (*http.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	g, err := a.googleAuth()
	if err != nil {
		return nil, err
	}
	client, err := g.Client(ctx)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

// source returns the message source of provider, one instance per provider
func (a *app) source(ctx context.Context, provider string) (mail.Source, error) {
	if src, ok := a.sources[provider]; ok {
		return src, nil
	}
	log := a.log.WithField("provider", provider)

	var (
		src mail.Source
		err error
	)
	switch provider {
	case config.ProviderGmail:
		var client *http.Client
		if client, err = a.googleClient(ctx); err == nil {
			src, err = gmail.New(ctx, client, log)
		}
	case config.ProviderIMAP:
		c := a.cfg.IMAP
		src = imap.New(imap.Config{
			Host:     c.Host,
			Port:     c.Port,
			Username: c.Username,
			Password: c.Password,
			Mailbox:  c.Mailbox,
			TLS:      c.TLS,
		}, log)
	case config.ProviderOutlook:
		src, err = outlook.New(a.outlookCredential(), a.cfg.Outlook.User, log)
	default:
		err = fmt.Errorf("unknown provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	a.sources[provider] = src
	return src, nil
}

func (a *app) outlookCredential() azcore.TokenCredential {
	c := a.cfg.Outlook
	if c.AccessToken != "" {
		return outlook.StaticToken(c.AccessToken, time.Now().Add(time.Hour))
	}
	return auth.NewBroker(c.BrokerURL).Credential(c.BrokerJWT, auth.ProviderMicrosoft)
}

// sheet opens the worksheet configured for kind. With noCreate nothing is
// created or shared and a missing spreadsheet or worksheet is gsheets.ErrNotFound.
func (a *app) sheet(ctx context.Context, kind string, noCreate bool) (*gsheets.Sheet, error) {
	client, err := a.googleClient(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := sheets.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	files, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	src := a.cfg.Sources[kind]
	return gsheets.Open(ctx, svc, files, gsheets.Options{
		SpreadsheetID:   src.SpreadsheetID,
		SpreadsheetName: src.SpreadsheetName,
		Worksheet:       src.Worksheet,
		ShareWith:       a.cfg.Google.ShareWith,
		NoCreate:        noCreate,
	}, a.log.WithField("source", kind))
}

// drySheet snapshots the worksheet of kind without touching the remote spreadsheet
func (a *app) drySheet(ctx context.Context, kind string) (*sink.MemorySheet, error) {
	name := a.cfg.Sources[kind].Worksheet
	if name == "" {
		name = gsheets.DefaultWorksheet
	}
	return snapshot(ctx, name, func(ctx context.Context) (sink.Sheet, error) {
		s, err := a.sheet(ctx, kind, true)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// snapshot copies the current worksheet content into memory. A worksheet
// that does not exist yet snapshots as empty.
func snapshot(ctx context.Context, name string, open func(context.Context) (sink.Sheet, error)) (*sink.MemorySheet, error) {
	s, err := open(ctx)
	if errors.Is(err, gsheets.ErrNotFound) {
		return sink.NewMemorySheet(name), nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.Values(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.Name(), err)
	}
	return sink.NewMemorySheet(s.Name(), rows...), nil
}

func (a *app) openLedger() (*sqlite.Store, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	store, err := sqlite.Open(a.cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	a.ledger = store
	return store, nil
}

type runnerOptions struct {
	dryRun bool
}

// runner wires the source, sink and ledger of kind. In a dry run the sink
// is an in-memory snapshot of the worksheet and nothing is recorded.
func (a *app) runner(ctx context.Context, kind string, opts runnerOptions) (*sync.Runner, *sink.MemorySheet, error) {
	profile, err := a.registry.Lookup(kind)
	if err != nil {
		return nil, nil, err
	}
	cfg := a.cfg.Sources[kind]
	log := a.log.WithField("source", kind)

	src, err := a.source(ctx, cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	r := &sync.Runner{
		Profile:   profile,
		Source:    src,
		SinkID:    cfg.SinkID(),
		SelfReset: cfg.SelfReset,
		Log:       a.log,
	}

	if opts.dryRun {
		mem, err := a.drySheet(ctx, kind)
		if err != nil {
			return nil, nil, err
		}
		r.Sink = sink.NewAdapter(mem, profile.Schema, nil, log)
		return r, mem, nil
	}

	remote, err := a.sheet(ctx, kind, false)
	if err != nil {
		return nil, nil, err
	}

	var limiter rate.Limiter
	if cfg.WritesPerMinute > 0 {
		bucket := rate.PerMinute(cfg.WritesPerMinute)
		a.limiters = append(a.limiters, bucket)
		limiter = bucket
	}
	r.Sink = sink.NewAdapter(remote, profile.Schema, limiter, log)

	ledger, err := a.openLedger()
	if err != nil {
		return nil, nil, err
	}
	r.Ledger = ledger
	return r, nil, nil
}

// manager registers a runner for each kind
func (a *app) manager(ctx context.Context, kinds []string, opts runnerOptions) (*sync.Manager, map[string]*sink.MemorySheet, error) {
	m := sync.NewManager(a.log)
	dry := make(map[string]*sink.MemorySheet)
	for _, kind := range kinds {
		r, mem, err := a.runner(ctx, kind, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", kind, err)
		}
		if err := m.Add(r); err != nil {
			return nil, nil, err
		}
		if mem != nil {
			dry[kind] = mem
		}
	}
	return m, dry, nil
}
