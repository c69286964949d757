package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/davidpede/authAzureAD/oidc/internal/strutils"
	"github.com/davidpede/authAzureAD/sdk/errs"
	sdkHttp "github.com/davidpede/authAzureAD/sdk/http"
	"golang.org/x/oauth2"
)

// ClientSecret is an oauth client Secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

const (
	// HybridResponseType asks the provider to return both an authorization
	// code and an id_token from the authorization endpoint.
	HybridResponseType = "code id_token"

	// FormPostResponseMode asks the provider to POST the authorization
	// response to the redirect URL.
	FormPostResponseMode = "form_post"
)

// Config represents the configuration for an OIDC provider used by a relying
// party running the hybrid (code id_token) flow.
type Config struct {
	// ClientID is the relying party ID.
	ClientID string

	// ClientSecret is the relying party secret.
	ClientSecret ClientSecret

	// Scopes is a list of default oidc scopes to request of the provider. The
	// required "oidc" scope is requested by default, and does not need to be
	// part of this optional list.
	Scopes []string

	// Issuer is a case-sensitive URL string using the https scheme that
	// contains scheme, host, and optionally, port number and path components
	// and no query or fragment components.
	Issuer string

	// SupportedSigningAlgs is a list of supported signing algorithms. List of
	// currently supported algs: RS256, RS384, RS512, ES256, ES384, ES512,
	// PS256, PS384, PS512
	SupportedSigningAlgs []Alg

	// RedirectURL is the URL the provider posts the authorization response to.
	RedirectURL string

	// Audiences is a optional list of case-sensitive strings used when
	// verifying an id_token's "aud" claim
	Audiences []string

	// ProviderCA is an optional CA certs (PEM encoded) to use when sending
	// requests to the provider. If you have a list of *x509.Certificates, then
	// see EncodeCertificates(...) to PEM encode them.
	ProviderCA string

	// ResponseType is the response_type requested from the authorization
	// endpoint. Defaults to HybridResponseType.
	ResponseType string

	// ResponseMode is the response_mode requested from the authorization
	// endpoint. Defaults to FormPostResponseMode.
	ResponseMode string

	// AuthStyle is how the client authenticates to the token endpoint.
	// Defaults to oauth2.AuthStyleInParams (client_secret_post); auto
	// detection is never used since it resends failed grants.
	AuthStyle oauth2.AuthStyle

	// NowFunc is a time func that returns the current time.
	NowFunc func() time.Time `json:"-"`
}

// NewConfig composes a new config for a provider.
//
// The "oidc" scope will always be added to the new configuration's Scopes,
// regardless of what additional scopes are requested via the WithScopes option
// and duplicate scopes are allowed.
//
// Supported options:
//	WithProviderCA, WithScopes, WithAudiences, WithNow, WithResponseMode,
//	WithAuthStyle
func NewConfig(issuer string, clientID string, clientSecret ClientSecret, supported []Alg, redirectURL string, opt ...Option) (*Config, error) {
	const op = "NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Issuer:               issuer,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		SupportedSigningAlgs: supported,
		RedirectURL:          redirectURL,
		Scopes:               opts.withScopes,
		ProviderCA:           opts.withProviderCA,
		Audiences:            opts.withAudiences,
		ResponseType:         HybridResponseType,
		ResponseMode:         opts.withResponseMode,
		AuthStyle:            opts.withAuthStyle,
		NowFunc:              opts.withNowFunc,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// Validate the provider configuration.  Among other validations, it verifies
// the issuer is not empty, but it doesn't verify the Issuer is discoverable via
// an http request.  SupportedSigningAlgs is validated against the list of
// currently supported algs: RS256, RS384, RS512, ES256, ES384, ES512, PS256,
// PS384, PS512
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("provider config is nil"), errs.WithWrap(ErrNilParameter))
	}
	invalid := func(msg string, wrapped error) error {
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg(msg), errs.WithWrap(wrapped))
	}
	if c.ClientID == "" {
		return invalid("client ID is empty", nil)
	}
	if c.ClientSecret == "" {
		return invalid("client secret is empty", nil)
	}
	if c.Issuer == "" {
		return invalid("discovery URL is empty", nil)
	}
	if c.RedirectURL == "" {
		return invalid("redirect URL is empty", nil)
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return invalid(fmt.Sprintf("issuer %s is invalid", c.Issuer), err)
	}
	if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
		return invalid(fmt.Sprintf("issuer %s schema is not http or https", c.Issuer), ErrInvalidIssuer)
	}
	if len(c.SupportedSigningAlgs) == 0 {
		return invalid("supported algorithms is empty", nil)
	}
	for _, a := range c.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			return invalid(fmt.Sprintf("unsupported algorithm %s", a), ErrUnsupportedAlg)
		}
	}
	if c.ProviderCA != "" {
		if _, err := c.HTTPClient(); err != nil {
			return invalid("provider CA is invalid", err)
		}
	}
	return nil
}

// HTTPClient is a helper function that creates a new http client for the
// provider configured.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	client, err := sdkHttp.NewClient(c.ProviderCA, 0)
	if err != nil {
		if errors.Is(err, sdkHttp.ErrInvalidCertificatePem) {
			return nil, fmt.Errorf("%s: could not parse CA PEM value successfully: %w", op, ErrInvalidCACert)
		}
		return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
	}
	return client, nil
}

// Now will return the current time which can be overridden by the NowFunc
func (c *Config) Now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc()
	}
	return time.Now() // fallback to this default
}

func (c *Config) responseType() string {
	if c.ResponseType == "" {
		return HybridResponseType
	}
	return c.ResponseType
}

func (c *Config) responseMode() string {
	if c.ResponseMode == "" {
		return FormPostResponseMode
	}
	return c.ResponseMode
}

func (c *Config) authStyle() oauth2.AuthStyle {
	if c.AuthStyle == oauth2.AuthStyleAutoDetect {
		return oauth2.AuthStyleInParams
	}
	return c.AuthStyle
}

// configOptions is the set of available options
type configOptions struct {
	withScopes       []string
	withAudiences    []string
	withProviderCA   string
	withResponseMode string
	withAuthStyle    oauth2.AuthStyle
	withNowFunc      func() time.Time
}

// configDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func configDefaults() configOptions {
	return configOptions{}
}

// getConfigOpts gets the defaults and applies the opt overrides passed
// in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes for the provider's config
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = append(o.withScopes, scopes...)
		}
	}
}

// WithAudiences provides an optional list of audiences for the provider's config
func WithAudiences(auds ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAudiences = append(o.withAudiences, auds...)
		}
	}
}

// WithProviderCA provides optional CA certs (PEM encoded) for the provider's
// config.  These certs will can be used when making http requests to the
// provider.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithResponseMode overrides the default form_post response mode.
func WithResponseMode(mode string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withResponseMode = mode
		}
	}
}

// WithAuthStyle sets how the client authenticates to the token endpoint:
// oauth2.AuthStyleInParams (the default) or oauth2.AuthStyleInHeader.
func WithAuthStyle(style oauth2.AuthStyle) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAuthStyle = style
		}
	}
}
