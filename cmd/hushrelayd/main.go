// Command hushrelayd runs the store-and-forward relay daemon.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/hushrelay"
	"github.com/opd-ai/hushrelay/config"
	"github.com/opd-ai/hushrelay/httpapi"
	"github.com/opd-ai/hushrelay/presence"
	"github.com/opd-ai/hushrelay/storage"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "hushrelayd",
		Short:         "Relay daemon for an end-to-end encrypted P2P messenger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(flushCmd(&configPath))
	root.AddCommand(sweepCmd(&configPath))
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			// Running without persistence would silently discard
			// messages, so a storage failure here terminates the process.
			store, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				logrus.WithError(err).Fatal("failed to initialize storage")
			}
			defer store.Close()

			opts := hushrelay.NewOptions()
			opts.Retention = cfg.RetentionWindow
			opts.SweepInterval = cfg.SweepInterval
			opts.StoreTimeout = cfg.StoreTimeout

			relay := hushrelay.New(store, presence.NewRegistry(), opts)
			relay.StartSweeper()
			defer relay.StopSweeper()

			handler := httpapi.NewHandler(relay, cfg.OutboundQueueSize)
			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           handler.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logrus.WithField("addr", cfg.ListenAddr).Info("relay listening")
				errCh <- srv.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case sig := <-sigCh:
				logrus.WithField("signal", sig.String()).Info("shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func flushCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Administrative reset: remove all messages, identities and history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
			defer cancel()
			return store.Flush(ctx)
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired messages once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
			defer cancel()
			n, err := store.SweepExpired(ctx, cfg.RetentionWindow)
			if err != nil {
				return err
			}
			logrus.WithField("swept", n).Info("sweep complete")
			return nil
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, err
	}
	logrus.SetLevel(level)
	if cfg.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return cfg, nil
}
