package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/api"
	"github.com/jmcleod/gatekeeper/auth"
	"github.com/jmcleod/gatekeeper/gateway"
	"github.com/jmcleod/gatekeeper/internal/config"
	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/pki"
	"github.com/jmcleod/gatekeeper/session"
)

const limiterSweepInterval = 10 * time.Minute

var errCertificateRevoked = errors.New("client certificate has been revoked")

var serverFlags = map[string]string{
	"listen":   "listen",
	"tls-cert": "tls.cert",
	"tls-key":  "tls.key",
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, serverFlags)
		if err != nil {
			return err
		}
		logger, err := newLogger(os.Stderr, cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := newApplication(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		printBanner(cmd.OutOrStdout())
		return app.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("listen", config.DefaultListen, "Address to listen on")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
}

// application is a fully wired gateway ready to serve.
type application struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   *backend
	authority *pki.Authority
	sessions  *session.Store
	api       *api.API
	metrics   *api.Metrics
	handler   http.Handler
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	b, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.close()
		}
	}()
	users, err := b.users()
	if err != nil {
		return nil, err
	}

	var metrics *api.Metrics
	if cfg.Metrics.Enabled {
		metrics = api.NewMetrics(prometheus.NewRegistry())
	}

	auditOpts := []api.AuditOption{
		api.WithAuditMetrics(metrics),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("security alert", "type", ev.Type, "message", ev.Message, "count", ev.Count)
		}),
	}
	if cfg.Audit.WebhookURL != "" {
		auditOpts = append(auditOpts, api.WithWebhook(api.WebhookConfig{
			URL:    cfg.Audit.WebhookURL,
			Header: cfg.Audit.WebhookHeader,
			Secret: cfg.Audit.WebhookSecret,
		}))
	}
	audit := api.NewAuditLogger(logger, auditOpts...)

	sessionOpts := []session.Option{
		session.WithLogger(logger),
		session.WithObserver(metrics.SessionTerminated),
	}
	if cfg.Session.Persist {
		persisted, err := session.NewRepositoryBackend(ctx, b.repo, b.key, logger)
		if err != nil {
			audit.Close()
			return nil, fmt.Errorf("failed to open session backend: %w", err)
		}
		sessionOpts = append(sessionOpts, session.WithBackend(persisted))
	}
	sessions := session.NewStore(users, sessionOpts...)
	if n, err := sessions.Restore(ctx, cfg.Session.InactivityTimeout); err != nil {
		logger.Warn("restoring sessions failed", "error", err)
	} else if n > 0 {
		logger.Info("restored sessions", "count", n)
	}
	sessions.StartSweeper(cfg.Session.SweepInterval, cfg.Session.InactivityTimeout)
	metrics.WatchSessions(sessions.Count)

	chain := auth.NewChain(
		auth.WithProviderTimeout(cfg.Auth.ProviderTimeout),
		auth.WithChainLogger(logger),
		auth.WithChainObserver(metrics.ObserveProvider),
	)
	var certificates auth.Provider
	if cfg.Auth.CertificateEnabled {
		certificates = auth.NewCertificateProvider(users, audit, logger)
		chain.Register(certificates, cfg.Auth.Priorities.Certificate)
	}
	if cfg.Session.Enabled {
		chain.Register(auth.NewSessionProvider(sessions), cfg.Auth.Priorities.Session)
	}

	xsrf := session.NewXSRFTokens(sessions)
	gw := gateway.New(gateway.Config{
		AllowedPorts:       cfg.AllowedPorts,
		LockedAllowedPaths: cfg.Gateway.LockedAllowedPaths,
		XSRFExemptPaths:    cfg.Gateway.XSRFExemptPaths,
		InactivityTimeout:  cfg.Session.InactivityTimeout,
		CookieName:         cfg.Session.CookieName,
		XSRFHeader:         cfg.Gateway.XSRFHeader,
		BasicRealm:         cfg.Gateway.BasicRealm,
	}, chain, sessions, xsrf,
		gateway.WithLogger(logger),
		gateway.WithRejectionObserver(func(r *http.Request, o gateway.Outcome) {
			audit.GatewayRejected(r, o)
			metrics.GatewayRejected(r, o)
		}),
	)

	proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		sessions.Close()
		audit.Close()
		return nil, err
	}
	a := api.New(api.Deps{
		Users:        users,
		Sessions:     sessions,
		XSRF:         xsrf,
		Gateway:      gw,
		Certificates: certificates,
	}, api.Config{
		SessionManagement:    cfg.Session.Enabled,
		PasswordAuth:         cfg.Auth.PasswordEnabled,
		CertificateAuth:      cfg.Auth.CertificateEnabled,
		CertificateAuthPorts: cfg.TLS.ClientAuthPorts,
		LoginMessage:         cfg.LoginMessage,
		PasswordPolicy:       cfg.Password.Policy(),
		CookieName:           cfg.Session.CookieName,
	}, api.WithLogger(logger), api.WithAudit(audit), api.WithMetrics(metrics), proxies)

	// Basic shares the login limiters owned by the API.
	if cfg.Auth.BasicEnabled {
		chain.Register(auth.NewBasicProvider(users, audit, logger, auth.WithThrottle(a.BasicThrottle())),
			cfg.Auth.Priorities.Basic)
	}
	logger.Info("authentication chain configured", "providers", chain.Providers())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if metrics != nil {
		r.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	r.Mount(api.BasePath, a.Router())

	return &application{
		cfg:       cfg,
		logger:    logger,
		backend:   b,
		authority: b.authority(),
		sessions:  sessions,
		api:       a,
		metrics:   metrics,
		handler:   r,
	}, nil
}

// Close releases everything newApplication opened.
func (app *application) Close() {
	app.sessions.Close()
	app.api.Close()
	app.backend.close()
}

// Serve runs one TLS listener on the main address and one per client
// certificate port until ctx is cancelled.
func (app *application) Serve(ctx context.Context) error {
	servers, err := app.servers()
	if err != nil {
		return err
	}

	done := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			app.logger.Info("listening", "addr", srv.Addr, "client_certificates", srv.TLSConfig.ClientAuth == tls.RequireAndVerifyClientCert)
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server %s failed: %w", srv.Addr, err)
				return
			}
			done <- nil
		}()
	}

	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app.api.SweepLimiters()
			}
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutting down")
	case serveErr = <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	return serveErr
}

func (app *application) servers() ([]*http.Server, error) {
	cert, err := app.serverCertificate()
	if err != nil {
		return nil, err
	}
	base := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	var clientAuth *tls.Config
	if len(app.cfg.TLS.ClientAuthPorts) > 0 {
		pool, err := loadCertPool(app.cfg.TLS.ClientCA)
		if err != nil {
			return nil, err
		}
		clientAuth = base.Clone()
		clientAuth.ClientAuth = tls.RequireAndVerifyClientCert
		clientAuth.ClientCAs = pool
		clientAuth.VerifyPeerCertificate = app.rejectRevoked
	}

	host, portStr, err := net.SplitHostPort(app.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", app.cfg.Listen, err)
	}
	mainPort, _ := strconv.Atoi(portStr)

	var servers []*http.Server
	if !slices.Contains(app.cfg.TLS.ClientAuthPorts, mainPort) {
		servers = append(servers, app.newServer(app.cfg.Listen, base))
	}
	for _, p := range app.cfg.TLS.ClientAuthPorts {
		servers = append(servers, app.newServer(net.JoinHostPort(host, strconv.Itoa(p)), clientAuth))
	}
	return servers, nil
}

// rejectRevoked fails the handshake for client certificates revoked by the
// built-in authority. Chains from other issuers pass through.
func (app *application) rejectRevoked(_ [][]byte, chains [][]*x509.Certificate) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil
	}
	revoked, err := app.authority.IsRevoked(context.Background(), chains[0][0])
	if errors.Is(err, pki.ErrNotCA) {
		return nil
	}
	if err != nil {
		app.logger.Error("revocation check failed", "error", err)
		return err
	}
	if revoked {
		return errCertificateRevoked
	}
	return nil
}

func (app *application) newServer(addr string, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           app.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(app.logger.Handler(), slog.LevelWarn),
	}
}

func (app *application) serverCertificate() (tls.Certificate, error) {
	if app.cfg.TLS.Cert != "" {
		cert, err := tls.LoadX509KeyPair(app.cfg.TLS.Cert, app.cfg.TLS.Key)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return cert, nil
	}
	cert, err := util.GenerateSelfSignedCert()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	app.logger.Warn("using self-signed runtime generated certificate for TLS")
	return cert, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
