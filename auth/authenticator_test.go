package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/session"
	"github.com/davidpede/authAzureAD/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthenticator(t *testing.T) {
	t.Parallel()
	p, r, f, s := &testIdentityProvider{}, &testReconciler{}, &testTokenFetcher{}, newTestSessionStore()
	tests := []struct {
		name string
		p    IdentityProvider
		r    Reconciler
		f    TokenFetcher
		s    session.Store
	}{
		{name: "nil-provider", r: r, f: f, s: s},
		{name: "nil-reconciler", p: p, f: f, s: s},
		{name: "nil-tokens", p: p, r: r, s: s},
		{name: "nil-sessions", p: p, r: r, f: f},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewAuthenticator(Config{}, tt.p, tt.r, tt.f, tt.s)
			assert.ErrorIs(t, err, errs.ErrInvalidParameter)
		})
	}
	a, err := NewAuthenticator(Config{}, p, r, f, s)
	require.NoError(t, err)
	assert.Equal(t, "/login", a.LoginPath())

	a, err = NewAuthenticator(Config{LoginPath: "/auth/callback"}, p, r, f, s)
	require.NoError(t, err)
	assert.Equal(t, "/auth/callback", a.LoginPath())
}

func TestAuthenticator_Login_start(t *testing.T) {
	t.Parallel()

	t.Run("redirects-to-provider", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		env := newTestEnv(t, nil)
		w, out := env.get("https://app.example.com/login", nil)
		require.NoError(t, out.Err)
		assert.Equal(PhaseAwaitingCallback, out.Phase)
		assert.Equal(http.StatusFound, w.Code)
		assert.Equal(testAuthURL, w.Header().Get("Location"))

		state, _ := env.sessions.get(KeyState)
		assert.Equal(testState, state)
		nonce, _ := env.sessions.get(KeyNonce)
		assert.Equal(env.provider.nonce, nonce)
		assert.NotEmpty(nonce)
		active, _ := env.sessions.get(KeyActive)
		assert.Equal("true", active)
		redirectURL, _ := env.sessions.get(KeyRedirectURL)
		assert.Equal(testSiteURL, redirectURL)
	})

	t.Run("remembers-referring-page", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, out := env.get("https://app.example.com/login", http.Header{
			"Referer": {"https://app.example.com/docs/page?authazure_action=login&tab=2"},
		})
		require.NoError(t, out.Err)
		redirectURL, _ := env.sessions.get(KeyRedirectURL)
		assert.Equal(t, "https://app.example.com/docs/page?tab=2", redirectURL)
	})

	t.Run("ignores-foreign-referer", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, out := env.get("https://app.example.com/login", http.Header{"Referer": {"https://evil.example.com/x"}})
		require.NoError(t, out.Err)
		redirectURL, _ := env.sessions.get(KeyRedirectURL)
		assert.Equal(t, testSiteURL, redirectURL)
	})

	t.Run("auth-url-failure", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		env.provider.authErr = errTest
		w, out := env.get("https://app.example.com/login", nil)
		assert.Equal(t, PhaseFailed, out.Phase)
		assert.ErrorIs(t, out.Err, errs.ErrProvider)
		assert.ErrorIs(t, out.Err, errTest)
		assert.Equal(t, testFailureURL, w.Header().Get("Location"))
	})
}

func TestAuthenticator_Login_config(t *testing.T) {
	t.Parallel()

	t.Run("missing-failure-url-responds-401", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		env := newTestEnv(t, func(c *Config) { c.FailureURL = "" })
		w, out := env.get("https://app.example.com/login", nil)
		assert.Equal(PhaseFailed, out.Phase)
		assert.ErrorIs(out.Err, errs.ErrConfig)
		assert.True(errs.IsFatal(out.Err))
		assert.Contains(out.Err.Error(), "failure URL is not configured")
		assert.Equal(http.StatusUnauthorized, w.Code)
		assert.Contains(w.Body.String(), out.ErrorID)
		assert.Regexp(`^AAZ_`, out.ErrorID)
		stored, _ := env.sessions.get(KeyError)
		assert.Equal(out.ErrorID, stored)
		_, ok := env.sessions.get(KeyState)
		assert.False(ok)
	})

	t.Run("missing-protected-groups", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		env := newTestEnv(t, func(c *Config) { c.ProtectedGroups = nil })
		w, out := env.get("https://app.example.com/login", nil)
		assert.ErrorIs(out.Err, errs.ErrConfig)
		assert.Contains(out.Err.Error(), "protected groups are not configured")
		assert.Equal(http.StatusFound, w.Code)
		assert.Equal(testFailureURL, w.Header().Get("Location"))
	})
}

func TestAuthenticator_Login_callback(t *testing.T) {
	t.Parallel()

	t.Run("authenticated", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		env := newTestEnv(t, nil)
		_, _ = env.get("https://app.example.com/login", http.Header{"Referer": {"https://app.example.com/reports"}})
		form := map[string][]string{"code": {testCode}, "id_token": {testIdToken}, "state": {testState}}

		w, out := env.post(form)
		require.NoError(t, out.Err)
		assert.Equal(PhaseAuthenticated, out.Phase)
		assert.Equal(http.StatusSeeOther, w.Code)
		assert.Equal("https://app.example.com/reports", w.Header().Get("Location"))
		assert.Equal("usr_1", out.User.ID)

		uid, _ := env.sessions.get(KeyUserID)
		assert.Equal("usr_1", uid)
		assert.Equal(1, env.sessions.renewed(), "login renews the session")
		for _, k := range []string{KeyState, KeyNonce, KeyActive, KeyRedirectURL} {
			_, ok := env.sessions.get(k)
			assert.Falsef(ok, "%s should be cleared", k)
		}

		assert.Equal("alice@example.com", env.rec.ident.Email)
		assert.Equal(oidc.IdToken(testIdToken), env.rec.ident.RawIdToken)
		require.Len(t, env.rec.tokens, 3)
		assert.Equal(oidc.AccessToken("primary-"+testCode), env.rec.tokens[user.DefaultPrimaryService].AccessToken)
		assert.Equal(oidc.AccessToken("obo-api://crm/.default"), env.rec.tokens["crm"].AccessToken)
		assert.Equal([]string{"api://crm/.default", "api://erp/.default"}, env.provider.oboCalls)
	})

	t.Run("replayed-callback", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		form := env.callback(t)
		_, out := env.post(form)
		require.NoError(t, out.Err)
		_, out = env.post(form)
		assert.ErrorIs(t, out.Err, errs.ErrCsrf)
	})

	t.Run("stale-session-replayed", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		form := env.callback(t)
		stale := map[string]string{}
		for _, k := range []string{KeyState, KeyNonce, KeyActive, KeyRedirectURL} {
			if v, ok := env.sessions.get(k); ok {
				stale[k] = v
			}
		}
		_, out := env.post(form)
		require.NoError(t, out.Err)

		for k, v := range stale {
			env.sessions.set(k, v)
		}
		_, out = env.post(form)
		assert.ErrorIs(t, out.Err, errs.ErrCsrf)
		assert.Contains(t, out.Err.Error(), "state already used")
	})

	t.Run("defaults-to-site-url", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		form := env.callback(t)
		env.sessions.set(KeyRedirectURL, "")
		w, out := env.post(form)
		require.NoError(t, out.Err)
		assert.Equal(t, testSiteURL, w.Header().Get("Location"))
	})

	t.Run("obo-failure-is-not-fatal", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		env := newTestEnv(t, nil)
		env.provider.oboErr = map[string]error{"api://erp/.default": errTest}
		_, out := env.post(env.callback(t))
		require.NoError(t, out.Err)
		assert.Equal(PhaseAuthenticated, out.Phase)
		assert.Contains(env.rec.tokens, "crm")
		assert.NotContains(env.rec.tokens, "erp")
	})

	t.Run("email-falls-back-to-preferred-username", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		env.provider.claims = map[string]interface{}{"email": "", "preferred_username": "bob@example.com"}
		_, out := env.post(env.callback(t))
		require.NoError(t, out.Err)
		assert.Equal(t, "bob@example.com", env.rec.ident.Email)
	})
}

func TestAuthenticator_Login_failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		setup     func(env *testEnv, form map[string][]string)
		wantIsErr error
		wantMsg   string
		cleared   []string
	}{
		{
			name: "provider-error",
			setup: func(_ *testEnv, form map[string][]string) {
				form["error"] = []string{"access_denied"}
				form["error_description"] = []string{"AADSTS65004: User declined to consent"}
			},
			wantIsErr: errs.ErrProvider,
			wantMsg:   "access_denied - AADSTS65004: User declined to consent",
		},
		{
			name:      "state-mismatch",
			setup:     func(_ *testEnv, form map[string][]string) { form["state"] = []string{"st_other"} },
			wantIsErr: errs.ErrCsrf,
			wantMsg:   "stored state mismatch",
			cleared:   []string{KeyState, KeyActive},
		},
		{
			name:      "no-stored-state",
			setup:     func(env *testEnv, _ map[string][]string) { env.sessions.set(KeyState, "") },
			wantIsErr: errs.ErrCsrf,
			wantMsg:   "no stored state",
		},
		{
			name:      "missing-id-token",
			setup:     func(_ *testEnv, form map[string][]string) { delete(form, "id_token") },
			wantIsErr: errs.ErrProtocol,
			wantMsg:   "id_token not received",
			cleared:   []string{KeyState, KeyNonce},
		},
		{
			name:      "missing-code",
			setup:     func(_ *testEnv, form map[string][]string) { delete(form, "code") },
			wantIsErr: errs.ErrProtocol,
			wantMsg:   "authorization code not received",
		},
		{
			name:      "invalid-id-token",
			setup:     func(env *testEnv, _ map[string][]string) { env.provider.verifyErr = errTest },
			wantIsErr: errTest,
			cleared:   []string{KeyNonce},
		},
		{
			name: "nonce-mismatch",
			setup: func(env *testEnv, _ map[string][]string) {
				env.provider.claims = map[string]interface{}{"nonce": "n_other"}
			},
			wantIsErr: errs.ErrCsrf,
			wantMsg:   "nonce mismatch",
			cleared:   []string{KeyNonce},
		},
		{
			name:      "code-exchange-failure",
			setup:     func(env *testEnv, _ map[string][]string) { env.provider.exchErr = errTest },
			wantIsErr: errs.ErrProvider,
			wantMsg:   "authorization code exchange failed",
		},
		{
			name:      "profile-failure",
			setup:     func(env *testEnv, _ map[string][]string) { env.rec.dataErr = errTest },
			wantIsErr: errs.ErrProvider,
		},
		{
			name: "reconciliation-failure",
			setup: func(env *testEnv, _ map[string][]string) {
				env.rec.reconcileErr = errs.New(errs.ErrReconciliation, errs.WithMsg("create user failed"), errs.WithFatal())
			},
			wantIsErr: errs.ErrReconciliation,
			wantMsg:   "create user failed",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert := assert.New(t)
			env := newTestEnv(t, nil)
			form := env.callback(t)
			tt.setup(env, form)

			w, out := env.post(form)
			assert.Equal(PhaseFailed, out.Phase)
			require.Error(t, out.Err)
			assert.ErrorIs(out.Err, tt.wantIsErr)
			assert.True(errs.IsFatal(out.Err))
			if tt.wantMsg != "" {
				assert.Contains(out.Err.Error(), tt.wantMsg)
			}
			assert.Equal(http.StatusSeeOther, w.Code)
			assert.Equal(testFailureURL, w.Header().Get("Location"))

			errID, _ := env.sessions.get(KeyError)
			assert.Equal(out.ErrorID, errID)
			_, ok := env.sessions.get(KeyUserID)
			assert.False(ok)
			for _, k := range append(tt.cleared, KeyState, KeyNonce, KeyActive, KeyRedirectURL) {
				_, ok := env.sessions.get(k)
				assert.Falsef(ok, "%s should be cleared", k)
			}
		})
	}
}

func TestAuthenticator_Login_sessionFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.sessions.loadErr = errTest
	w, out := env.get("https://app.example.com/login", nil)
	assert.ErrorIs(t, out.Err, errs.ErrStorage)
	assert.Equal(t, testFailureURL, w.Header().Get("Location"))
}

func TestAuthenticator_ServeHTTP(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	env.a.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "https://app.example.com/login", nil))
	assert.Equal(t, testAuthURL, w.Header().Get("Location"))
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal("start", PhaseStart.String())
	assert.Equal("awaiting_callback", PhaseAwaitingCallback.String())
	assert.Equal("validating", PhaseValidating.String())
	assert.Equal("authenticated", PhaseAuthenticated.String())
	assert.Equal("failed", PhaseFailed.String())
	assert.Equal("phase(9)", Phase(9).String())
}
