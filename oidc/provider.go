package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/davidpede/authAzureAD/oidc/internal/strutils"
	"github.com/davidpede/authAzureAD/sdk/errs"
	sdkHttp "github.com/davidpede/authAzureAD/sdk/http"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// JWTBearerGrantType is the grant_type used for on-behalf-of exchanges.
	JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// OnBehalfOfTokenUse is the requested_token_use for on-behalf-of exchanges.
	OnBehalfOfTokenUse = "on_behalf_of"

	// maxResourceBytes caps resource and photo responses read into memory.
	maxResourceBytes = 10 << 20
)

// Provider provides integration with an OIDC provider for a relying party
// running the hybrid flow. It builds authorization and logout URLs, runs the
// authorization_code, jwt-bearer (on-behalf-of) and refresh_token grants,
// verifies id_tokens and makes authenticated resource requests.
//
// Provider is safe for concurrent use.
type Provider struct {
	config   *Config
	provider *oidc.Provider
	client   *http.Client

	// endSessionURL is the end_session_endpoint advertised by discovery and is
	// empty when the provider doesn't support RP initiated logout.
	endSessionURL string

	mu sync.Mutex

	// backgroundCtx is the context used by the provider for background
	// activities like: refreshing JWKs key sets, etc.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates and initializes a Provider. Initializing the provider
// includes making an http request to the provider's issuer for discovery.
//
// See Provider.Done() which must be called to release provider resources.
func NewProvider(c *Config) (*Provider, error) {
	const op = "NewProvider"
	if c == nil {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("provider config is nil"), errs.WithWrap(ErrNilParameter))
	}
	if err := c.Validate(); err != nil {
		return nil, errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithMsg("provider config is invalid"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	// initializing the Provider with it's background ctx/cancel will
	// allow us to use p.Done() to release any resources when returning errors
	// from this function.
	p := &Provider{
		config:              c,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}

	client, err := c.HTTPClient()
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		return nil, errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithMsg("unable to create http client"))
	}
	p.client = client

	provider, err := oidc.NewProvider(p.HTTPClientContext(p.backgroundCtx), c.Issuer) // makes http req to issuer for discovery
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to create provider"))
	}
	p.provider = provider

	var discovered struct {
		EndSessionURL string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&discovered); err != nil {
		p.Done()
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to read discovery document"))
	}
	p.endSessionURL = discovered.EndSessionURL

	return p, nil
}

// Done with the provider's background resources and must be called for every
// Provider created
func (p *Provider) Done() {
	// checking for nil here prevents a panic when developers neglect to check
	// the for an error before deferring a call to p.Done():
	// p, err := NewProvider(...)
	// defer p.Done()
	// if err != nil { ... }
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

// HTTPClientContext returns ctx carrying the provider's HTTP client, which
// go-oidc and x/oauth2 use for every request made with it.
func (p *Provider) HTTPClientContext(ctx context.Context) context.Context {
	return sdkHttp.ClientContext(ctx, p.client)
}

func (p *Provider) oauth2Config(scopes []string) oauth2.Config {
	endpoint := p.provider.Endpoint()
	endpoint.AuthStyle = p.config.authStyle()
	return oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  p.config.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// AuthURL will generate a URL the caller can use to kick off the hybrid flow
// with the provider. A fresh state is generated for every call and returned
// with the URL; the nonce is supplied by the caller. The "openid" scope is
// always requested along with the scopes passed in, or the configured scopes
// when none are passed.
func (p *Provider) AuthURL(ctx context.Context, scopes []string, nonce string) (authURL string, state string, e error) {
	const op = "Provider.AuthURL"
	if nonce == "" {
		return "", "", errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("nonce is empty"))
	}
	state, err := NewID(WithPrefix("st"))
	if err != nil {
		return "", "", errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to generate state"))
	}
	if state == nonce {
		return "", "", errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("state and nonce cannot be equal"))
	}
	if len(scopes) == 0 {
		scopes = p.config.Scopes
	}
	// Add the "openid" scope, which is a required scope for oidc flows
	scopes = strutils.RemoveDuplicatesStable(append([]string{oidc.ScopeOpenID}, scopes...), false)

	oauth2Config := p.oauth2Config(scopes)
	authCodeOpts := []oauth2.AuthCodeOption{
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("response_type", p.config.responseType()),
		oauth2.SetAuthURLParam("response_mode", p.config.responseMode()),
	}
	return oauth2Config.AuthCodeURL(state, authCodeOpts...), state, nil
}

// Exchange will request a token from the oidc token endpoint, using the
// authorization code it received in an earlier successful authentication
// response (authorization_code grant).
//
// On success, the Token returned will include an AccessToken. Based on the
// provider, it may include an IdToken and a RefreshToken.
func (p *Provider) Exchange(ctx context.Context, authorizationCode string) (*Token, error) {
	const op = "Provider.Exchange"
	if authorizationCode == "" {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("authorization code is empty"))
	}
	oauth2Config := p.oauth2Config(nil)
	oauth2Token, err := oauth2Config.Exchange(p.HTTPClientContext(ctx), authorizationCode)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to exchange auth code with provider"))
	}
	return p.newToken(op, oauth2Token)
}

// ExchangeOnBehalfOf exchanges the user's raw id_token for an access token
// scoped to a downstream API (jwt-bearer grant with
// requested_token_use=on_behalf_of), without prompting the user again.
func (p *Provider) ExchangeOnBehalfOf(ctx context.Context, assertion IdToken, scopes []string) (*Token, error) {
	const op = "Provider.ExchangeOnBehalfOf"
	if assertion == "" {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("assertion is empty"))
	}
	cc := clientcredentials.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		TokenURL:     p.provider.Endpoint().TokenURL,
		Scopes:       scopes,
		AuthStyle:    p.config.authStyle(),
		EndpointParams: url.Values{
			// clientcredentials allows grant_type to be overridden
			"grant_type":          {JWTBearerGrantType},
			"assertion":           {string(assertion)},
			"requested_token_use": {OnBehalfOfTokenUse},
		},
	}
	oauth2Token, err := cc.Token(p.HTTPClientContext(ctx))
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to exchange id_token on behalf of user"))
	}
	return p.newToken(op, oauth2Token)
}

// Refresh uses the refresh token to get a new access token (refresh_token
// grant). Providers that don't rotate refresh tokens don't return one, in which
// case the returned Token keeps the refresh token passed in.
func (p *Provider) Refresh(ctx context.Context, refreshToken RefreshToken) (*Token, error) {
	const op = "Provider.Refresh"
	if refreshToken == "" {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("refresh token is empty"))
	}
	oauth2Config := p.oauth2Config(nil)
	// an empty access token is never valid, so the token source always
	// goes to the token endpoint
	ts := oauth2Config.TokenSource(p.HTTPClientContext(ctx), &oauth2.Token{RefreshToken: string(refreshToken)})
	oauth2Token, err := ts.Token()
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to refresh token"))
	}
	return p.newToken(op, oauth2Token)
}

func (p *Provider) newToken(op string, t *oauth2.Token) (*Token, error) {
	tk, err := NewToken(t, WithNow(p.config.NowFunc))
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("invalid token response"))
	}
	return tk, nil
}

// FetchResource makes an authenticated GET request to a resource API and
// decodes the JSON response body.
func (p *Provider) FetchResource(ctx context.Context, resourceURL string, t AccessToken) (map[string]interface{}, error) {
	const op = "Provider.FetchResource"
	body, err := p.get(ctx, op, resourceURL, t)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("unable to decode response from %s", resourceURL)))
	}
	return out, nil
}

// FetchBinary makes an authenticated GET request to a resource API and
// returns the raw response body (e.g. a profile photo).
func (p *Provider) FetchBinary(ctx context.Context, resourceURL string, t AccessToken) ([]byte, error) {
	const op = "Provider.FetchBinary"
	return p.get(ctx, op, resourceURL, t)
}

func (p *Provider) get(ctx context.Context, op, resourceURL string, t AccessToken) ([]byte, error) {
	if resourceURL == "" {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("resource URL is empty"))
	}
	if t == "" {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("access token is empty"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("unable to create request"))
	}
	client := oauth2.NewClient(p.HTTPClientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: string(t),
		TokenType:   "Bearer",
	}))
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("request to %s failed", resourceURL)))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes))
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to read response body"))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errs.New(errs.ErrProvider, errs.WithOp(op),
			errs.WithMsg(fmt.Sprintf("%s returned %d: %s", resourceURL, resp.StatusCode, strings.TrimSpace(string(body)))),
			errs.WithWrap(ErrUnexpectedResponseCode))
	}
	return body, nil
}

// LogoutURL returns the provider's end session URL which sends the user back
// to returnURL once they are logged out of their provider account.
func (p *Provider) LogoutURL(returnURL string) (string, error) {
	const op = "Provider.LogoutURL"
	if p.endSessionURL == "" {
		return "", errs.New(errs.ErrProvider, errs.WithOp(op), errs.WithWrap(ErrMissingEndSession))
	}
	u, err := url.Parse(p.endSessionURL)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("end_session_endpoint is invalid"))
	}
	if returnURL != "" {
		q := u.Query()
		q.Set("post_logout_redirect_uri", returnURL)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// VerifyIdToken will verify the inbound IdToken and return its claims. It
// verifies it's been signed by the provider, it's not expired, the issuer
// and the audience. The nonce is not checked here: the caller owns the stored
// nonce and must compare it with the "nonce" claim.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIdToken(ctx context.Context, t IdToken) (map[string]interface{}, error) {
	const op = "Provider.VerifyIdToken"
	if t == "" {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("id_token is empty"), errs.WithWrap(ErrMissingIdToken))
	}
	algs := make([]string, 0, len(p.config.SupportedSigningAlgs))
	for _, a := range p.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	oidcConfig := &oidc.Config{
		SupportedSigningAlgs: algs,
		ClientID:             p.config.ClientID,
		Now:                  p.config.Now,
	}
	verifier := p.provider.Verifier(oidcConfig)

	oidcIdToken, err := verifier.Verify(p.HTTPClientContext(ctx), string(t))
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("invalid id_token"))
	}

	if len(p.config.Audiences) > 0 {
		found := false
		for _, v := range p.config.Audiences {
			if strutils.StrListContains(oidcIdToken.Audience, v) {
				found = true
				break
			}
		}
		if !found {
			return nil, errs.New(errs.ErrProvider, errs.WithOp(op), errs.WithMsg("invalid id_token audiences"), errs.WithWrap(ErrInvalidAudience))
		}
	}

	claims := map[string]interface{}{}
	if err := oidcIdToken.Claims(&claims); err != nil {
		return nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to decode id_token claims"))
	}
	return claims, nil
}
