package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/davidpede/authAzureAD/auth"
	"github.com/davidpede/authAzureAD/cache"
	"github.com/davidpede/authAzureAD/config"
	"github.com/davidpede/authAzureAD/metrics"
	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/session"
	"github.com/davidpede/authAzureAD/user"
	"github.com/davidpede/authAzureAD/vault"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 30 * time.Second

// app is the wired service.
type app struct {
	cfg      *config.Config
	logger   hclog.Logger
	auth     *auth.Authenticator
	registry *prometheus.Registry
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp builds every component from cfg. The returned app must be closed.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: cfg.Logger(), registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := metrics.Register(a.registry); err != nil {
		return nil, err
	}

	ca, err := cfg.ProviderCA()
	if err != nil {
		return nil, err
	}
	algs := make([]oidc.Alg, 0, len(cfg.SigningAlgs))
	for _, alg := range cfg.SigningAlgs {
		algs = append(algs, oidc.Alg(alg))
	}
	oidcOpts := []oidc.Option{oidc.WithScopes(cfg.Scopes...)}
	if ca != "" {
		oidcOpts = append(oidcOpts, oidc.WithProviderCA(ca))
	}
	oidcCfg, err := oidc.NewConfig(cfg.Issuer(), cfg.ClientID, oidc.ClientSecret(cfg.ClientSecret), algs, cfg.RedirectURL, oidcOpts...)
	if err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(oidcCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, provider.Done)

	cacheClient, err := cache.New(ctx, cache.Config{
		Driver:   cfg.CacheDriver,
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   "authazure",
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = cacheClient.Close() })

	v, err := vault.New(cacheClient, provider, vault.WithLogger(a.logger.Named("vault")))
	if err != nil {
		return nil, err
	}

	var store user.Store
	if cfg.DatabaseURL != "" {
		pg, err := user.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		store = pg
	} else {
		a.logger.Warn("no database configured, users are kept in memory")
		store = user.NewMemoryStore()
	}

	rec, err := user.NewReconciler(user.Config{
		ProfileURL:      cfg.ProfileURL,
		GroupsURL:       cfg.GroupsURL,
		PhotoURL:        cfg.PhotoURL,
		DefaultGroups:   cfg.DefaultGroups,
		ProtectedGroups: cfg.ProtectedGroups,
		GroupSyncParent: cfg.GroupSyncParent,
		RememberMe:      cfg.RememberMe,
		LoginContext:    cfg.LoginContext,
	}, provider, store, v, user.NewFilePhotoStore(cfg.PhotoDir, cfg.PhotoURLPrefix), user.WithLogger(a.logger.Named("user")))
	if err != nil {
		return nil, err
	}

	sessions, err := newSessionStore(cfg, cacheClient, a.logger.Named("session"))
	if err != nil {
		return nil, err
	}

	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return nil, err
	}
	a.auth, err = auth.NewAuthenticator(auth.Config{
		SiteURL:         cfg.SiteURL,
		FailureURL:      cfg.FailureURL,
		LoginPath:       redirect.Path,
		Scopes:          cfg.Scopes,
		ProtectedGroups: cfg.ProtectedGroups,
		ServiceScopes:   cfg.ServiceScopes,
	}, provider, rec, v, sessions, auth.WithLogger(a.logger.Named("auth")), auth.WithConsumedStates(cacheClient))
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func newSessionStore(cfg *config.Config, c cache.Client, logger hclog.Logger) (session.Store, error) {
	opts := []session.Option{session.WithLogger(logger)}
	if cfg.InsecureCookies {
		opts = append(opts, session.WithInsecure())
	}
	if cfg.SessionStore == config.SessionStoreCache {
		return session.NewCacheStore(c, opts...)
	}
	return session.NewCookieStore([]byte(cfg.SessionSecret), opts...)
}

// run serves on ln until ctx is done, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer a.close()

	server := &http.Server{
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("authazure listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
