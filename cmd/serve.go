package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markb/huddle/internal/auth"
	"github.com/markb/huddle/internal/log"
	"github.com/markb/huddle/internal/observability"
	"github.com/markb/huddle/internal/realtime"
	"github.com/markb/huddle/internal/server"
	"github.com/markb/huddle/internal/store"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Huddle server",
	Long:  `Starts the HTTP server with the realtime websocket endpoint, presence queries and the message REST API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initLogging(cmd); err != nil {
			return err
		}
		defer log.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tel, err := observability.Init(ctx, buildOTelConfig(cmd))
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer tel.Cleanup()

		database, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		resolver, err := buildResolver(ctx, cmd)
		if err != nil {
			return err
		}
		if c, ok := resolver.(interface{ Close() }); ok {
			defer c.Close()
		}

		st := store.New(database)
		rt, err := realtime.NewService(realtime.Config{
			Store:    st,
			Resolver: resolver,
			Meter:    tel.Meter("huddle/realtime"),
		})
		if err != nil {
			return fmt.Errorf("failed to start realtime: %w", err)
		}
		defer rt.Close()

		var origins []string
		if v := stringSetting(cmd, "allowed-origins", "ALLOWED_ORIGINS"); v != "" {
			origins = strings.Split(v, ",")
		}
		srv := server.New(server.Config{
			Realtime:       rt,
			Store:          st,
			Resolver:       resolver,
			Telemetry:      tel,
			AllowedOrigins: origins,
		})

		host := stringSetting(cmd, "host", "HOST")
		port := intSetting(cmd, "port", "PORT")
		addr := fmt.Sprintf("%s:%d", host, port)
		domain := stringSetting(cmd, "https-domain", "HTTPS_DOMAIN")

		errCh := make(chan error, 1)
		go func() {
			if domain != "" {
				errCh <- srv.ListenAndServeTLS(server.HTTPSConfig{
					Domain:   domain,
					CertDir:  stringSetting(cmd, "cert-dir", "CERT_DIR"),
					HTTPAddr: fmt.Sprintf("%s:80", host),
				}, fmt.Sprintf("%s:443", host))
				return
			}
			errCh <- srv.ListenAndServe(addr)
		}()

		if domain != "" {
			log.Info("starting huddle", "https", domain, "version", Version)
		} else {
			log.Info("starting huddle", "addr", addr, "version", Version)
		}
		log.Info("endpoints",
			"websocket", "/realtime/v1/websocket",
			"presence", "/presence/v1",
			"rest", "/rest/v1")

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websockets are not closed by http.Server.Shutdown.
		closed := rt.CloseConnections(shutdownCtx)
		err = srv.Shutdown(shutdownCtx)
		log.Info("shutdown complete", "connections_closed", closed)
		return err
	},
}

// initLogging configures the global logger from flags and HUDDLE_LOG_* variables.
func initLogging(cmd *cobra.Command) error {
	cfg := log.DefaultConfig()
	cfg.Mode = stringSetting(cmd, "log-mode", "LOG_MODE")
	cfg.Level = stringSetting(cmd, "log-level", "LOG_LEVEL")
	cfg.Format = stringSetting(cmd, "log-format", "LOG_FORMAT")
	if path := stringSetting(cmd, "log-file", "LOG_FILE"); path != "" {
		cfg.FilePath = path
	}
	cfg.BufferLines = intSetting(cmd, "log-buffer-lines", "LOG_BUFFER_LINES")
	if err := log.Init(cfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

func buildOTelConfig(cmd *cobra.Command) *observability.Config {
	cfg := observability.NewConfig()
	cfg.Exporter = stringSetting(cmd, "otel-exporter", "OTEL_EXPORTER")
	cfg.Endpoint = stringSetting(cmd, "otel-endpoint", "OTEL_ENDPOINT")
	cfg.SampleRate = float64Setting(cmd, "otel-sample-rate", "OTEL_SAMPLE_RATE")
	cfg.ServiceVersion = Version
	return cfg
}

// buildResolver picks the identity resolver: a JWKS URL when configured,
// otherwise the shared HMAC secret.
func buildResolver(ctx context.Context, cmd *cobra.Command) (realtime.Resolver, error) {
	opts := auth.Options{
		Issuer:   stringSetting(cmd, "jwt-issuer", "JWT_ISSUER"),
		Audience: stringSetting(cmd, "jwt-audience", "JWT_AUDIENCE"),
	}

	if url := stringSetting(cmd, "jwks-url", "JWKS_URL"); url != "" {
		r, err := auth.NewJWKSResolver(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	r, err := auth.NewHMACResolver(jwtSecret(cmd), opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func jwtSecret(cmd *cobra.Command) string {
	secret := stringSetting(cmd, "jwt-secret", "JWT_SECRET")
	if secret == "" {
		log.Warn("using default JWT secret; set HUDDLE_JWT_SECRET in production")
		secret = defaultJWTSecret
	}
	return secret
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addDatabaseFlags(serveCmd)
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().String("allowed-origins", "", "Comma-separated CORS origins (default: any)")

	serveCmd.Flags().String("jwt-secret", "", "HMAC secret for access tokens")
	serveCmd.Flags().String("jwks-url", "", "JWKS URL for RS/ES access tokens (overrides --jwt-secret)")
	serveCmd.Flags().String("jwt-issuer", "", "Required token issuer")
	serveCmd.Flags().String("jwt-audience", "", "Required token audience")

	serveCmd.Flags().String("log-mode", "console", "Logging mode: console or file")
	serveCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().String("log-format", "text", "Log format: text or json")
	serveCmd.Flags().String("log-file", "", "Log file path (file mode)")
	serveCmd.Flags().Int("log-buffer-lines", 500, "Recent log lines kept for /realtime/v1/logs (0 disables)")

	serveCmd.Flags().String("otel-exporter", "none", "OpenTelemetry exporter: none, stdout, otlp")
	serveCmd.Flags().String("otel-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	serveCmd.Flags().Float64("otel-sample-rate", 0.1, "Trace sampling rate (0.0 to 1.0)")

	serveCmd.Flags().String("https-domain", "", "Serve HTTPS with a Let's Encrypt certificate for this domain")
	serveCmd.Flags().String("cert-dir", "./certs", "Certificate cache directory")
}
