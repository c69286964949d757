// Package auth runs the hybrid-flow login of a browser session: it sends the
// user to the identity provider, validates the form posted back by the
// provider, exchanges the authorization code and the on-behalf-of tokens and
// hands the verified identity to the user reconciler.
//
// The flow spans two requests linked by the session:
//
//	Start -> AwaitingCallback -> Validating -> Authenticated | Failed
//
// Every fatal failure goes through a single routine which logs the error
// with a correlation id, clears the flow state, stores the correlation id in
// the session and redirects to the failure URL (or responds 401).
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/user"
	"github.com/hashicorp/go-multierror"
)

// Session keys owned by the flow.
const (
	KeyState       = "authazure.state"
	KeyNonce       = "authazure.nonce"
	KeyRedirectURL = "authazure.redirect_url"
	KeyActive      = "authazure.active"
	KeyError       = "authazure.error"
	KeyUserID      = "authazure.user_id"
)

// ActionParam is the query parameter used by login and logout links. It is
// removed from URLs the user is sent back to.
const ActionParam = "authazure_action"

// DefaultConsumedStateTTL is how long a spent state is remembered by
// default; it matches the default session lifetime.
const DefaultConsumedStateTTL = 24 * time.Hour

// Phase is a step of the login flow.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseAwaitingCallback
	PhaseValidating
	PhaseAuthenticated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseAwaitingCallback:
		return "awaiting_callback"
	case PhaseValidating:
		return "validating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// FlowState is the session scoped state of one login attempt. State and
// Nonce are single use.
type FlowState struct {
	State       string
	Nonce       string
	RedirectURL string
	Active      bool
}

// VerifiedIdentity is the identity established by a valid callback.
type VerifiedIdentity struct {
	Email             string
	NonceClaim        string
	RawToken          oidc.IdToken
	AuthorizationCode string
	Claims            map[string]interface{}
}

// Outcome reports how a login request ended.
type Outcome struct {
	Phase Phase

	// RedirectURL is where the response sent the browser: the provider, the
	// page the flow started on, or the failure URL.
	RedirectURL string

	// User is set once authenticated.
	User *user.Profile

	// ErrorID is the correlation id of a failure.
	ErrorID string
	Err     error
}

// IdentityProvider is the part of *oidc.Provider the flow uses.
type IdentityProvider interface {
	AuthURL(ctx context.Context, scopes []string, nonce string) (string, string, error)
	Exchange(ctx context.Context, code string) (*oidc.Token, error)
	ExchangeOnBehalfOf(ctx context.Context, assertion oidc.IdToken, scopes []string) (*oidc.Token, error)
	VerifyIdToken(ctx context.Context, t oidc.IdToken) (map[string]interface{}, error)
	LogoutURL(returnURL string) (string, error)
}

// Reconciler is the part of *user.Reconciler the flow uses.
type Reconciler interface {
	ProviderData(ctx context.Context, primary *oidc.Token) (*user.ProviderProfile, []string, error)
	Reconcile(ctx context.Context, ident user.Identity, profile *user.ProviderProfile, groups []string, tokens map[string]*oidc.Token) (*user.Profile, error)
	PrimaryService() string
}

// TokenFetcher returns a valid access token for a user's service.
type TokenFetcher interface {
	FetchValid(ctx context.Context, userID, service string) (string, error)
}

var (
	_ IdentityProvider = (*oidc.Provider)(nil)
	_ Reconciler       = (*user.Reconciler)(nil)
)

// Config is the flow configuration.
type Config struct {
	// SiteURL is the absolute base URL of the site, with a trailing slash.
	SiteURL string

	// FailureURL receives the browser after a fatal failure.
	FailureURL string

	// LoginPath is the path of the login handler, which is also the
	// provider's redirect URI path. Defaults to "/login".
	LoginPath string

	// Scopes are requested on the first leg. "openid" is always added.
	Scopes []string

	// ProtectedGroups must be configured before any login is attempted.
	ProtectedGroups []string

	// ServiceScopes maps a downstream service name to the scopes of its
	// on-behalf-of token.
	ServiceScopes map[string][]string
}

// Validate reports every missing setting required to start a login.
func (c *Config) Validate() error {
	const op = "auth.(Config).Validate"
	if c == nil {
		return errs.New(errs.ErrConfig, errs.WithOp(op), errs.WithMsg("config is nil"), errs.WithFatal())
	}
	var result *multierror.Error
	if c.FailureURL == "" {
		result = multierror.Append(result, fmt.Errorf("failure URL is not configured"))
	}
	if len(c.ProtectedGroups) == 0 {
		result = multierror.Append(result, fmt.Errorf("protected groups are not configured"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithMsg("user authentication aborted"), errs.WithFatal())
	}
	return nil
}

func (c *Config) loginPath() string {
	if c.LoginPath == "" {
		return "/login"
	}
	return c.LoginPath
}
