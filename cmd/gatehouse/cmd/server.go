package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/internal/config"
	"github.com/jmcleod/gatehouse/web"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		handler, a, closeStores, err := buildHandler(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStores()

		go a.RunSweeper(ctx, cfg.SweepInterval.Duration)

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		useTLS := cfg.TLSCert != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			logger.Warn("serving plain HTTP; terminate TLS in front of gatehouse so session cookies are marked Secure")
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on %s (credentials: %s, sessions: %s)...\n",
			cfg.Listen, cfg.Backend, cfg.SessionBackend)

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// buildHandler wires the configured backends into the HTTP handler tree.
// The returned func closes the backends.
func buildHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, *api.API, func(), error) {
	manager, s, err := newManager(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	closeStores := func() {
		if err := s.Close(); err != nil {
			logger.Error("closing storage", slog.String("error", err.Error()))
		}
	}

	base := strings.TrimRight(cfg.CookiePath, "/")
	pages, err := web.NewRenderer(base)
	if err != nil {
		closeStores()
		return nil, nil, nil, err
	}
	static, err := web.StaticHandler()
	if err != nil {
		closeStores()
		return nil, nil, nil, err
	}

	proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		closeStores()
		return nil, nil, nil, err
	}
	a := api.New(manager,
		api.WithLogger(logger),
		proxies,
		api.WithBasePath(base),
		api.WithPageRenderer(pages),
		api.WithRegistrationRate(cfg.RegistrationInterval.Duration, cfg.RegistrationBurst),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert",
				slog.String("alert", string(e.Type)),
				slog.String("message", e.Message),
				slog.Int("count", e.Count),
				slog.Int("threshold", e.Threshold))
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle(base+"/static/*", http.StripPrefix(base+"/static", static))

	if base == "" {
		r.Mount("/", a.Router())
	} else {
		r.Mount(base, a.Router())
	}
	return r, a, closeStores, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("listen", "", "Address to listen on (default 127.0.0.1:8080)")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
	serverCmd.Flags().String("cookie-path", "", "Path the application is served under")
	serverCmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
}
