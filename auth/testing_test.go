package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/session"
	"github.com/davidpede/authAzureAD/user"
	"github.com/stretchr/testify/require"
)

const (
	testSiteURL    = "https://app.example.com/"
	testFailureURL = "https://app.example.com/login-failed"
	testAuthURL    = "https://idp.example.com/authorize?client_id=app"
	testState      = "st_test"
	testCode       = "test-auth-code"
	testIdToken    = "header.payload.signature"
)

// testSessionStore hands every request the same session.
type testSessionStore struct {
	mu       sync.Mutex
	values   map[string]string
	commits  int
	renewals int
	loadErr  error
}

func newTestSessionStore() *testSessionStore {
	return &testSessionStore{values: map[string]string{}}
}

func (s *testSessionStore) Load(_ http.ResponseWriter, _ *http.Request) (session.Session, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return &testSession{store: s, values: cp}, nil
}

func (s *testSessionStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *testSessionStore) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

type testSession struct {
	store  *testSessionStore
	values map[string]string
	renew  bool
}

func (s *testSession) Get(key string) (string, bool) { v, ok := s.values[key]; return v, ok }
func (s *testSession) Set(key, value string)         { s.values[key] = value }
func (s *testSession) Delete(key string)             { delete(s.values, key) }
func (s *testSession) Clear()                        { s.values = map[string]string{}; s.renew = true }
func (s *testSession) Renew()                        { s.renew = true }
func (s *testSession) Commit() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.values = s.values
	s.store.commits++
	if s.renew {
		s.store.renewals++
	}
	return nil
}

func (s *testSessionStore) renewed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewals
}

type testIdentityProvider struct {
	mu        sync.Mutex
	nonce     string
	claims    map[string]interface{}
	authErr   error
	verifyErr error
	exchErr   error
	oboErr    map[string]error
	logoutErr error
	oboCalls  []string
}

func (p *testIdentityProvider) AuthURL(_ context.Context, _ []string, nonce string) (string, string, error) {
	if p.authErr != nil {
		return "", "", p.authErr
	}
	p.mu.Lock()
	p.nonce = nonce
	p.mu.Unlock()
	return testAuthURL, testState, nil
}

func (p *testIdentityProvider) Exchange(_ context.Context, code string) (*oidc.Token, error) {
	if p.exchErr != nil {
		return nil, p.exchErr
	}
	return &oidc.Token{AccessToken: oidc.AccessToken("primary-" + code), Expiry: time.Now().Add(time.Hour)}, nil
}

func (p *testIdentityProvider) ExchangeOnBehalfOf(_ context.Context, _ oidc.IdToken, scopes []string) (*oidc.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	scope := strings.Join(scopes, " ")
	p.oboCalls = append(p.oboCalls, scope)
	if err := p.oboErr[scope]; err != nil {
		return nil, err
	}
	return &oidc.Token{AccessToken: oidc.AccessToken("obo-" + scope)}, nil
}

func (p *testIdentityProvider) VerifyIdToken(_ context.Context, _ oidc.IdToken) (map[string]interface{}, error) {
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	claims := map[string]interface{}{"email": "alice@example.com", "nonce": p.nonce}
	for k, v := range p.claims {
		claims[k] = v
	}
	return claims, nil
}

func (p *testIdentityProvider) LogoutURL(returnURL string) (string, error) {
	if p.logoutErr != nil {
		return "", p.logoutErr
	}
	return "https://idp.example.com/logout?post_logout_redirect_uri=" + url.QueryEscape(returnURL), nil
}

type testReconciler struct {
	dataErr      error
	reconcileErr error
	ident        user.Identity
	tokens       map[string]*oidc.Token
}

func (r *testReconciler) ProviderData(_ context.Context, _ *oidc.Token) (*user.ProviderProfile, []string, error) {
	if r.dataErr != nil {
		return nil, nil, r.dataErr
	}
	return user.NewProviderProfile(map[string]interface{}{"mail": "alice@example.com"}), nil, nil
}

func (r *testReconciler) Reconcile(_ context.Context, ident user.Identity, _ *user.ProviderProfile, _ []string, tokens map[string]*oidc.Token) (*user.Profile, error) {
	r.ident, r.tokens = ident, tokens
	if r.reconcileErr != nil {
		return nil, r.reconcileErr
	}
	return &user.Profile{ID: "usr_1", Username: ident.Email, Active: true}, nil
}

func (r *testReconciler) PrimaryService() string { return user.DefaultPrimaryService }

type testTokenFetcher struct {
	tokens map[string]string
}

func (f *testTokenFetcher) FetchValid(_ context.Context, userID, service string) (string, error) {
	if t, ok := f.tokens[userID+service]; ok {
		return t, nil
	}
	return "", errs.New(errs.ErrNotFound, errs.WithMsg("token "+service))
}

type testEnv struct {
	a        *Authenticator
	cfg      Config
	provider *testIdentityProvider
	rec      *testReconciler
	tokens   *testTokenFetcher
	sessions *testSessionStore
}

func testConfig() Config {
	return Config{
		SiteURL:         testSiteURL,
		FailureURL:      testFailureURL,
		ProtectedGroups: []string{"Administrator"},
		Scopes:          []string{"profile", "email"},
		ServiceScopes: map[string][]string{
			"crm": {"api://crm/.default"},
			"erp": {"api://erp/.default"},
		},
	}
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		cfg:      cfg,
		provider: &testIdentityProvider{},
		rec:      &testReconciler{},
		tokens:   &testTokenFetcher{tokens: map[string]string{}},
		sessions: newTestSessionStore(),
	}
	var err error
	env.a, err = NewAuthenticator(cfg, env.provider, env.rec, env.tokens, env.sessions)
	require.NoError(t, err)
	return env
}

// get sends a GET to the login handler.
func (e *testEnv) get(target string, header http.Header) (*httptest.ResponseRecorder, Outcome) {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		r.Header[k] = v
	}
	w := httptest.NewRecorder()
	return w, e.a.Login(w, r)
}

// post sends the provider's form_post callback to the login handler.
func (e *testEnv) post(form url.Values) (*httptest.ResponseRecorder, Outcome) {
	r := httptest.NewRequest(http.MethodPost, "https://app.example.com/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	return w, e.a.Login(w, r)
}

// callback runs the first leg and returns a matching callback form.
func (e *testEnv) callback(t *testing.T) url.Values {
	t.Helper()
	_, out := e.get("https://app.example.com/login", nil)
	require.Equal(t, PhaseAwaitingCallback, out.Phase)
	return url.Values{
		"code":     {testCode},
		"id_token": {testIdToken},
		"state":    {testState},
	}
}

var errTest = errors.New("test failure")
