package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/davidpede/authAzureAD/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// router wires all routes and middleware.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger.Named("http")))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	loginPath := a.auth.LoginPath()
	r.Get(loginPath, a.auth.ServeHTTP)
	r.Post(loginPath, a.auth.ServeHTTP)
	r.Get("/logout", a.logout)
	r.Get("/auth/error", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"error_id": a.auth.ErrorID(w, r)})
	})
	r.Get("/token/{service}", a.token)

	r.Group(func(r chi.Router) {
		r.Use(a.auth.RequireLogin)
		r.Get("/me", a.me)
	})

	prefix := "/" + strings.Trim(a.cfg.PhotoURLPrefix, "/")
	if prefix != "/" && !strings.Contains(a.cfg.PhotoURLPrefix, "://") {
		photos := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(a.cfg.PhotoDir)))
		r.Handle(prefix+"/*", photos)
	}
	return r
}

// logout only honours a return_url on the site.
func (a *app) logout(w http.ResponseWriter, r *http.Request) {
	returnURL := r.URL.Query().Get("return_url")
	if !strings.HasPrefix(returnURL, a.cfg.SiteURL) {
		returnURL = ""
	}
	a.auth.Logout(w, r, returnURL)
}

func (a *app) token(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	t, err := a.auth.FetchToken(r, service)
	if err != nil {
		writeJSON(w, auth.StatusCode(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "access_token": t})
}

func (a *app) me(w http.ResponseWriter, r *http.Request) {
	uid, err := a.auth.UserID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": uid})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request with its chi request id.
func requestLogger(logger hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
