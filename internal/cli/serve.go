package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-ledger/internal/api"
	"github.com/Martian-dev/inbox-ledger/internal/auth"
	natsjs "github.com/Martian-dev/inbox-ledger/internal/nats"
	"github.com/Martian-dev/inbox-ledger/internal/sync"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync on a schedule and serve the status API",
		Long: "Runs every enabled kind now and then each server.interval, publishes run\n" +
			"events to NATS when nats.url is set and serves /healthz, /syncs, /runs and POST /sync/:kind.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	kinds, err := a.selectKinds(nil)
	if err != nil {
		return err
	}
	m, _, err := a.manager(ctx, kinds, runnerOptions{})
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		m.StopAll()
	}()

	store, err := a.openLedger()
	if err != nil {
		return err
	}

	if a.cfg.NATS.URL != "" {
		d, closeFn, err := a.dispatcher(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		go d.Run(ctx)
	}

	var authn api.Authenticator
	if a.cfg.Server.JWKSURL != "" {
		v, err := auth.NewVerifier(ctx, a.cfg.Server.JWKSURL, a.cfg.Server.Audience, a.log)
		if err != nil {
			return err
		}
		authn = v
	}

	if a.cfg.Server.Interval > 0 {
		go m.Schedule(ctx, a.cfg.Server.Interval)
	} else {
		a.log.Info("scheduler disabled, syncs run only on request")
	}

	srv := api.New(ctx, m, store, authn, a.log)
	return srv.ListenAndServe(ctx, a.cfg.Server.Addr)
}

// dispatcher connects to NATS and returns an outbox dispatcher over the ledger
func (a *app) dispatcher(ctx context.Context) (*sync.Dispatcher, func(), error) {
	store, err := a.openLedger()
	if err != nil {
		return nil, nil, err
	}
	pub, err := natsjs.NewPublisher(a.cfg.NATS.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := pub.EnsureStream(ctx); err != nil {
		pub.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", natsjs.StreamName, err)
	}
	return sync.NewDispatcher(store, pub, a.log.WithField("component", "dispatcher")), pub.Close, nil
}
