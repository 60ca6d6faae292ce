package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/httpapi"
)

func cmdServe() *Command {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)

	listen := flags.String("listen", "", "listen address (overrides config)")

	return &Command{
		Flags: flags,
		Usage: "serve [flags]",
		Short: "serve health and metrics over HTTP",
		Long: "Opens the store, runs the periodic health checks, watches the config\n" +
			"file for feature-flag changes, and serves /health, /health/detailed,\n" +
			"and /metrics/prometheus until interrupted.",
		Exec: func(ctx context.Context, env *Env, o *IO, _ []string) error {
			c, err := env.Open()
			if err != nil {
				return err
			}

			addr := env.Config.Listen
			if *listen != "" {
				addr = *listen
			}

			interval := env.Config.Health.CheckInterval.Std()
			if interval <= 0 {
				interval = 30 * time.Second
			}

			go c.Checks.Run(ctx, interval)

			if env.ConfigPath != "" {
				watcher := config.NewWatcher(env.ConfigPath, env.Logger, c.Degrader.ReplaceFlags)

				go func() {
					watchErr := watcher.Run(ctx)
					if watchErr != nil {
						env.Logger.Warn("config watcher stopped", zap.Error(watchErr))
					}
				}()
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           httpapi.New(c, env.Logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)

			go func() {
				errCh <- server.ListenAndServe()
			}()

			o.Printf("serving on %s\n", addr)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}

				return err
			}
		},
	}
}
