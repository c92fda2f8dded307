package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sift/pkg/forward"
	"github.com/openfroyo/sift/pkg/loader"
	"github.com/openfroyo/sift/pkg/stores"
)

func newRunCommand() *cobra.Command {
	var (
		noJournal bool
		shutdown  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Long: `Start the engine and poll every configured domain on the configured
interval until SIGINT or SIGTERM.

While running, sift:
  - Journals every engine event to the store
  - Forwards events to NATS when forward.enabled is set
  - Serves Prometheus metrics when telemetry.metrics.enabled is set
  - Reloads plugins on change when plugins.watch is set`,
		Example: `  # Run with a config file
  sift run -c sift.yaml

  # Run without journaling events
  sift run -c sift.yaml --no-journal`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appParts{engine: true})
			if err != nil {
				return err
			}

			stopCtx := func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.WithoutCancel(ctx), shutdown)
			}
			defer func() {
				c, cancel := stopCtx()
				defer cancel()
				a.Close(c)
			}()

			if !noJournal {
				journal := stores.NewJournal(a.store, a.bus, 0, a.logger.Zerolog())
				defer func() {
					c, cancel := stopCtx()
					defer cancel()
					if err := journal.Close(c); err != nil {
						log.Warn().Err(err).Msg("Journal did not drain before shutdown")
					}
				}()
			}

			if a.cfg.Forward.Enabled {
				conn, err := forward.Connect(a.cfg.Forward.URL, forward.Options{}, a.logger.NewComponentLogger("nats").Zerolog())
				if err != nil {
					return err
				}
				defer conn.Close()

				fwd := forward.NewForwarder(conn, a.cfg.Forward.SubjectPrefix, a.logger.Zerolog())
				fwd.Attach(a.bus, a.cfg.Forward.Types...)
				defer fwd.Detach()
			}

			if srv := a.tel.Metrics.NewServer(); srv != nil {
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()
				defer func() {
					c, cancel := stopCtx()
					defer cancel()
					_ = srv.Shutdown(c)
				}()
			}

			if a.cfg.Plugins.Watch && a.cfg.Plugins.Dir != "" {
				err := a.loader.Watch(ctx, a.cfg.Plugins.Dir, a.cfg.Plugins.WatchDebounce, func(reg *loader.Registry) {
					a.swapPlugins(ctx, reg)
				})
				if err != nil {
					return err
				}
			}

			if err := a.engine.Start(ctx); err != nil {
				return err
			}
			// Stop before the journal drains so the shutdown events are recorded.
			defer func() {
				c, cancel := stopCtx()
				defer cancel()
				_ = a.engine.Stop(c)
			}()

			<-ctx.Done()
			log.Info().Msg("Shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not persist engine events")
	cmd.Flags().DurationVar(&shutdown, "shutdown-timeout", 30*time.Second, "time allowed for graceful shutdown")

	return cmd
}
