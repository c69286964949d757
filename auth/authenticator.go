package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/davidpede/authAzureAD/cache"
	"github.com/davidpede/authAzureAD/metrics"
	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/session"
	"github.com/davidpede/authAzureAD/user"
	"github.com/hashicorp/go-hclog"
)

// Authenticator runs the login flow. It holds no per-request state and is
// safe for concurrent use.
type Authenticator struct {
	cfg        Config
	provider   IdentityProvider
	reconciler Reconciler
	tokens     TokenFetcher
	sessions   session.Store
	logger     hclog.Logger

	// consumed records spent states. Sessions may live on the client, so
	// clearing the state there does not stop a replayed first-leg cookie.
	consumed    cache.Client
	consumedTTL time.Duration
}

// NewAuthenticator returns an Authenticator. The configuration is checked
// at the start of every login, so a misconfigured Authenticator fails each
// login through the failure routine instead of here.
// Supported options: WithLogger, WithConsumedStates, WithConsumedStateTTL.
func NewAuthenticator(cfg Config, p IdentityProvider, r Reconciler, tokens TokenFetcher, sessions session.Store, opt ...Option) (*Authenticator, error) {
	const op = "auth.NewAuthenticator"
	switch {
	case p == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("identity provider is nil"))
	case r == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("reconciler is nil"))
	case tokens == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("token fetcher is nil"))
	case sessions == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("session store is nil"))
	}
	opts := getOpts(opt...)
	if opts.withConsumedStates == nil {
		opts.withConsumedStates = cache.NewMemory("auth")
	}
	return &Authenticator{
		cfg:         cfg,
		provider:    p,
		reconciler:  r,
		tokens:      tokens,
		sessions:    sessions,
		logger:      opts.withLogger,
		consumed:    opts.withConsumedStates,
		consumedTTL: opts.withConsumedStateTTL,
	}, nil
}

// LoginPath is the path the login handler must be mounted on.
func (a *Authenticator) LoginPath() string { return a.cfg.loginPath() }

// ServeHTTP runs Login.
func (a *Authenticator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Login(w, r)
}

// Login handles both legs of the flow and writes the response: a redirect
// to the provider, a redirect back to the page the flow started on, or the
// failure response. Parameters are read with FormValue so the provider's
// form_post callback and query callbacks both work.
func (a *Authenticator) Login(w http.ResponseWriter, r *http.Request) Outcome {
	const op = "Authenticator.Login"
	sess, err := a.sessions.Load(w, r)
	if err != nil {
		err = errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("unable to load session"), errs.WithFatal())
		return a.fail(w, r, nil, Outcome{Phase: PhaseStart}, err)
	}

	out, err := a.login(r.Context(), r, sess)
	if err != nil {
		return a.fail(w, r, sess, out, err)
	}
	if err := sess.Commit(); err != nil {
		return a.fail(w, r, nil, out, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithFatal()))
	}
	switch out.Phase {
	case PhaseAwaitingCallback:
		metrics.LoginOutcomes.WithLabelValues(metrics.OutcomeRedirected).Inc()
	case PhaseAuthenticated:
		metrics.LoginOutcomes.WithLabelValues(metrics.OutcomeAuthenticated).Inc()
		a.logger.Info("user authenticated", "user_id", out.User.ID, "username", out.User.Username)
	}
	redirect(w, r, out.RedirectURL)
	return out
}

// login advances the flow for one request. Any error it returns is fatal;
// non-fatal failures are logged where they happen.
func (a *Authenticator) login(ctx context.Context, r *http.Request, sess session.Session) (Outcome, error) {
	const op = "Authenticator.login"
	out := Outcome{Phase: PhaseStart}
	if err := a.cfg.Validate(); err != nil {
		return out, err
	}

	if providerErr := r.FormValue("error"); providerErr != "" {
		msg := "provider returned " + providerErr
		if desc := r.FormValue("error_description"); desc != "" {
			msg += " - " + desc
		}
		return out, errs.New(errs.ErrProvider, errs.WithOp(op), errs.WithMsg(msg), errs.WithFatal())
	}

	code, rawIdToken := r.FormValue("code"), r.FormValue("id_token")
	if code == "" && rawIdToken == "" {
		return a.start(ctx, r, sess)
	}

	out.Phase = PhaseValidating
	ident, err := a.validate(ctx, r, sess, code, oidc.IdToken(rawIdToken))
	if err != nil {
		return out, err
	}

	out.Phase = PhaseAuthenticated
	profile, err := a.complete(ctx, ident)
	if err != nil {
		return out, err
	}
	sess.Renew()
	sess.Set(KeyUserID, profile.ID)
	out.User = profile
	out.RedirectURL, _ = sess.Get(KeyRedirectURL)
	sess.Delete(KeyRedirectURL)
	if out.RedirectURL == "" {
		out.RedirectURL = a.cfg.SiteURL
	}
	return out, nil
}

// start is the first leg: it stores a fresh flow state and points the
// browser at the provider.
func (a *Authenticator) start(ctx context.Context, r *http.Request, sess session.Session) (Outcome, error) {
	const op = "Authenticator.start"
	out := Outcome{Phase: PhaseStart}
	nonce, err := oidc.NewID(oidc.WithPrefix("n"))
	if err != nil {
		return out, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithFatal())
	}
	authURL, state, err := a.provider.AuthURL(ctx, a.cfg.Scopes, nonce)
	if err != nil {
		return out, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to build authorization URL"), errs.WithFatal())
	}
	saveFlowState(sess, FlowState{
		State:       state,
		Nonce:       nonce,
		RedirectURL: a.returnURL(r),
		Active:      true,
	})
	out.Phase = PhaseAwaitingCallback
	out.RedirectURL = authURL
	return out, nil
}

// validate is the second leg: the state and nonce are compared with the
// stored ones and cleared whatever the result.
func (a *Authenticator) validate(ctx context.Context, r *http.Request, sess session.Session, code string, raw oidc.IdToken) (*VerifiedIdentity, error) {
	const op = "Authenticator.validate"
	flow := loadFlowState(sess)
	sess.Delete(KeyState)
	sess.Delete(KeyActive)
	if flow.State == "" {
		return nil, errs.New(errs.ErrCsrf, errs.WithOp(op), errs.WithMsg("no stored state: user authentication failed and login aborted"), errs.WithFatal())
	}
	if r.FormValue("state") != flow.State {
		return nil, errs.New(errs.ErrCsrf, errs.WithOp(op), errs.WithMsg("stored state mismatch: user authentication failed and login aborted"), errs.WithFatal())
	}
	fresh, err := a.consumed.Add(ctx, consumedStateKey(flow.State), "1", a.consumedTTL)
	if err != nil {
		sess.Delete(KeyNonce)
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("unable to record state"), errs.WithFatal())
	}
	if !fresh {
		sess.Delete(KeyNonce)
		return nil, errs.New(errs.ErrCsrf, errs.WithOp(op), errs.WithMsg("state already used: user authentication failed and login aborted"), errs.WithFatal())
	}
	if raw == "" {
		sess.Delete(KeyNonce)
		return nil, errs.New(errs.ErrProtocol, errs.WithOp(op), errs.WithMsg("id_token not received: user authentication failed and login aborted"), errs.WithFatal())
	}

	claims, err := a.provider.VerifyIdToken(ctx, raw)
	if err != nil {
		sess.Delete(KeyNonce)
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithFatal())
	}
	nonceClaim, _ := claims["nonce"].(string)
	sess.Delete(KeyNonce)
	if flow.Nonce == "" || nonceClaim != flow.Nonce {
		return nil, errs.New(errs.ErrCsrf, errs.WithOp(op), errs.WithMsg("id_token nonce mismatch: user authentication failed and login aborted"), errs.WithFatal())
	}
	if code == "" {
		return nil, errs.New(errs.ErrProtocol, errs.WithOp(op), errs.WithMsg("authorization code not received"), errs.WithFatal())
	}
	return &VerifiedIdentity{
		Email:             emailClaim(claims),
		NonceClaim:        nonceClaim,
		RawToken:          raw,
		AuthorizationCode: code,
		Claims:            claims,
	}, nil
}

// complete exchanges the tokens and reconciles the local user.
func (a *Authenticator) complete(ctx context.Context, ident *VerifiedIdentity) (*user.Profile, error) {
	const op = "Authenticator.complete"
	primary, err := a.provider.Exchange(ctx, ident.AuthorizationCode)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("authorization code exchange failed"), errs.WithFatal())
	}
	tokens := map[string]*oidc.Token{a.reconciler.PrimaryService(): primary}

	services := make([]string, 0, len(a.cfg.ServiceScopes))
	for s := range a.cfg.ServiceScopes {
		services = append(services, s)
	}
	sort.Strings(services)
	for _, s := range services {
		t, err := a.provider.ExchangeOnBehalfOf(ctx, ident.RawToken, a.cfg.ServiceScopes[s])
		if err != nil {
			metrics.OnBehalfOfExchanges.WithLabelValues(s, metrics.ResultFailure).Inc()
			errs.Log(a.logger, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("on-behalf-of exchange for %s failed", s))), false)
			continue
		}
		metrics.OnBehalfOfExchanges.WithLabelValues(s, metrics.ResultSuccess).Inc()
		tokens[s] = t
	}

	profile, groups, err := a.reconciler.ProviderData(ctx, primary)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithFatal())
	}
	u, err := a.reconciler.Reconcile(ctx, user.Identity{
		Email:      ident.Email,
		RawIdToken: ident.RawToken,
		Claims:     ident.Claims,
	}, profile, groups, tokens)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrReconciliation, errs.WithOp(op), errs.WithFatal())
	}
	return u, nil
}

// fail is the single fatal failure routine. sess is nil when the session
// could not be loaded or committed.
func (a *Authenticator) fail(w http.ResponseWriter, r *http.Request, sess session.Session, out Outcome, err error) Outcome {
	const op = "Authenticator.fail"
	metrics.LoginOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
	out.Err = err
	out.ErrorID = errs.Log(a.logger, err, true)
	out.Phase = PhaseFailed
	out.User = nil
	out.RedirectURL = ""

	if sess != nil {
		clearFlowState(sess)
		sess.Set(KeyError, out.ErrorID)
		if err := sess.Commit(); err != nil {
			errs.Log(a.logger, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("unable to save failure")), false)
		}
	}
	if a.cfg.FailureURL != "" {
		out.RedirectURL = a.cfg.FailureURL
		redirect(w, r, out.RedirectURL)
		return out
	}
	http.Error(w, fmt.Sprintf("Authentication failed. Error ID: %s", out.ErrorID), http.StatusUnauthorized)
	return out
}

func loadFlowState(sess session.Session) FlowState {
	var f FlowState
	f.State, _ = sess.Get(KeyState)
	f.Nonce, _ = sess.Get(KeyNonce)
	f.RedirectURL, _ = sess.Get(KeyRedirectURL)
	active, _ := sess.Get(KeyActive)
	f.Active, _ = strconv.ParseBool(active)
	return f
}

func saveFlowState(sess session.Session, f FlowState) {
	sess.Set(KeyState, f.State)
	sess.Set(KeyNonce, f.Nonce)
	sess.Set(KeyRedirectURL, f.RedirectURL)
	sess.Set(KeyActive, strconv.FormatBool(f.Active))
}

func clearFlowState(sess session.Session) {
	for _, k := range []string{KeyState, KeyNonce, KeyRedirectURL, KeyActive} {
		sess.Delete(k)
	}
}

// emailClaim returns the email claim, falling back to preferred_username for
// accounts without a mailbox.
func emailClaim(claims map[string]interface{}) string {
	for _, k := range []string{"email", "preferred_username"} {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// redirect answers POST callbacks with 303 so the browser follows with GET.
func redirect(w http.ResponseWriter, r *http.Request, target string) {
	code := http.StatusFound
	if r.Method == http.MethodPost {
		code = http.StatusSeeOther
	}
	http.Redirect(w, r, target, code)
}

func consumedStateKey(state string) string {
	return "consumed_state:" + state
}
