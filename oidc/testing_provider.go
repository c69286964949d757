package oidc

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidpede/authAzureAD/oidc/internal/strutils"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Paths served by the TestProvider.
const (
	TestProviderAuthPath    = "/authorize"
	TestProviderTokenPath   = "/token"
	TestProviderJWKSPath    = "/certs"
	TestProviderLogoutPath  = "/logout"
	TestProviderProfilePath = "/me"
	TestProviderGroupsPath  = "/me/memberOf"
	TestProviderPhotoPath   = "/me/photo/$value"
)

// TestProvider is a local TLS server that stands in for a directory identity
// provider: discovery, JWKS, a form_post hybrid authorization endpoint, a
// token endpoint supporting the authorization_code, jwt-bearer (on-behalf-of)
// and refresh_token grants, an end session endpoint and the profile, group
// membership and photo resource APIs.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string
	jwks       *jose.JSONWebKeySet

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	allowedRedirectURIs []string
	expectedAuthCode    string
	authNonce           string
	subject             string
	customClaims        map[string]interface{}
	customAudience      string
	omitIDToken         bool
	omitRefreshToken    bool
	tokenExpiry         time.Duration
	failingScopes       []string
	profile             map[string]interface{}
	groups              []string
	photo               []byte
	failResources       bool

	issuedAccess  map[string]bool
	issuedIdToken map[string]bool
	issuedRefresh map[string]bool
	grantCounts   map[string]int

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider which is stopped by the
// test's cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:                   t,
		clientID:            "test-client-id",
		clientSecret:        "test-client-secret",
		allowedRedirectURIs: []string{"https://example.com/login"},
		expectedAuthCode:    "test-auth-code",
		subject:             "r3qXcK2bix9eFECzsU3Sbmh0K16fatW6",
		tokenExpiry:         time.Hour,
		profile: map[string]interface{}{
			"id":                "2b4f2c0e-5f35-4c8e-9e7a-7d0b3b2e6b11",
			"displayName":       "Alice Doe",
			"givenName":         "Alice",
			"surname":           "Doe",
			"mail":              "alice@example.com",
			"userPrincipalName": "alice@example.com",
			"jobTitle":          "Engineer",
			"mobilePhone":       "+1 555 0100",
		},
		groups:        []string{"Staff"},
		issuedAccess:  map[string]bool{},
		issuedIdToken: map[string]bool{},
		issuedRefresh: map[string]bool{},
		grantCounts:   map[string]int{},
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running webserver,
// which is also its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// HTTPClient returns a client which trusts the test provider's certificate.
func (p *TestProvider) HTTPClient() *http.Client { return p.httpServer.Client() }

// SigningKeys returns the test provider's pem-encoded keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// ProfileURL, GroupsURL and PhotoURL are the resource API URLs.
func (p *TestProvider) ProfileURL() string { return p.Addr() + TestProviderProfilePath }
func (p *TestProvider) GroupsURL() string  { return p.Addr() + TestProviderGroupsPath }
func (p *TestProvider) PhotoURL() string   { return p.Addr() + TestProviderPhotoPath }

// ClientCreds returns the client credentials the token endpoint accepts.
func (p *TestProvider) ClientCreds() (clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID, p.clientSecret
}

// SetClientCreds is for configuring the client information required for the
// token endpoint.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the auth code returned by the authorization
// endpoint and accepted by the token endpoint.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetAllowedRedirectURIs configures the redirect URIs accepted by the
// authorization and token endpoints.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetCustomClaims lets you set claims to add to issued id_tokens.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures what audience value to embed in issued
// id_tokens.
func (p *TestProvider) SetCustomAudience(customAudience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// OmitIDTokens forces an error state where the authorization and token
// endpoints don't return an id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitRefreshTokens stops the token endpoint from returning refresh tokens.
func (p *TestProvider) OmitRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = true
}

// SetTokenExpiry sets the lifetime of issued access tokens.
func (p *TestProvider) SetTokenExpiry(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenExpiry = d
}

// SetFailingScopes makes on-behalf-of exchanges requesting any of the scopes
// fail with invalid_grant.
func (p *TestProvider) SetFailingScopes(scopes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failingScopes = scopes
}

// SetProfile replaces the profile returned by the profile API.
func (p *TestProvider) SetProfile(profile map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = profile
}

// SetGroups sets the group display names returned by the group membership
// API.
func (p *TestProvider) SetGroups(groups ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = groups
}

// SetPhoto sets the bytes returned by the photo API. A nil photo makes the
// photo API return 404.
func (p *TestProvider) SetPhoto(photo []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.photo = photo
}

// FailResources makes every resource API return 500.
func (p *TestProvider) FailResources(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failResources = fail
}

// GrantCount returns how many token requests were received for the grant
// type.
func (p *TestProvider) GrantCount(grantType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grantCounts[grantType]
}

// IssueRefreshToken returns a refresh token the token endpoint will accept.
func (p *TestProvider) IssueRefreshToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newRefreshToken()
}

// IssueIdToken signs an id_token for the configured subject and profile
// carrying the nonce.
func (p *TestProvider) IssueIdToken(nonce string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newIdToken(nonce)
}

// AuthorizeResponse is the set of fields the authorization endpoint form
// posts to the redirect URL for the authURL. Tests use it to drive a
// relying party callback without a browser.
func (p *TestProvider) AuthorizeResponse(authURL string) (url.Values, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	fields, _, errCode := p.authorize(u.Query())
	if errCode != "" {
		return nil, fmt.Errorf("authorize failed: %s", errCode)
	}
	return fields, nil
}

// authorize validates an authorization request and returns the fields to post
// back, the redirect URI, and an error code when the request is rejected.
func (p *TestProvider) authorize(qv url.Values) (url.Values, string, string) {
	redirectURI := qv.Get("redirect_uri")
	switch {
	case !strutils.StrListContains(p.allowedRedirectURIs, redirectURI):
		return nil, "", "invalid_request"
	case qv.Get("response_type") != HybridResponseType:
		return nil, redirectURI, "unsupported_response_type"
	case !strutils.StrListContains(strings.Fields(qv.Get("scope")), "openid"):
		return nil, redirectURI, "invalid_scope"
	case qv.Get("state") == "" || qv.Get("nonce") == "":
		return nil, redirectURI, "invalid_request"
	case qv.Get("client_id") != p.clientID:
		return nil, redirectURI, "unauthorized_client"
	}
	p.authNonce = qv.Get("nonce")
	fields := url.Values{
		"code":  {p.expectedAuthCode},
		"state": {qv.Get("state")},
	}
	if !p.omitIDToken {
		fields.Set("id_token", p.newIdToken(p.authNonce))
	}
	return fields, redirectURI, ""
}

var formPostTemplate = template.Must(template.New("form_post").Parse(
	`<html><body onload="document.forms[0].submit()"><form method="post" action="{{.Action}}">` +
		`{{range $k, $v := .Fields}}<input type="hidden" name="{{$k}}" value="{{index $v 0}}"/>{{end}}` +
		`</form></body></html>`))

func (p *TestProvider) newIdToken(nonce string) string {
	now := time.Now()
	stdClaims := jwt.Claims{
		Subject:   p.subject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(p.tokenExpiry)),
		Audience:  jwt.Audience{p.clientID},
	}
	if p.customAudience != "" {
		stdClaims.Audience = jwt.Audience{p.customAudience}
	}
	privateClaims := map[string]interface{}{
		"nonce": nonce,
	}
	if email, ok := p.profile["mail"]; ok {
		privateClaims["email"] = email
		privateClaims["preferred_username"] = email
	}
	if name, ok := p.profile["displayName"]; ok {
		privateClaims["name"] = name
	}
	if oid, ok := p.profile["id"]; ok {
		privateClaims["oid"] = oid
	}
	for k, v := range p.customClaims {
		privateClaims[k] = v
	}
	raw := TestSignJWT(p.t, p.ecdsaPrivateKey, stdClaims, privateClaims)
	p.issuedIdToken[raw] = true
	return raw
}

func (p *TestProvider) newAccessToken() string {
	v, err := NewID(WithPrefix("at"))
	require.NoError(p.t, err)
	p.issuedAccess[v] = true
	return v
}

func (p *TestProvider) newRefreshToken() string {
	v, err := NewID(WithPrefix("rt"))
	require.NoError(p.t, err)
	p.issuedRefresh[v] = true
	return v
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	})
}

// clientAuthenticated accepts client_secret_basic and client_secret_post.
func (p *TestProvider) clientAuthenticated(req *http.Request) bool {
	if id, secret, ok := req.BasicAuth(); ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		return id == p.clientID && secret == p.clientSecret
	}
	return req.PostFormValue("client_id") == p.clientID && req.PostFormValue("client_secret") == p.clientSecret
}

func (p *TestProvider) bearerAuthenticated(req *http.Request) bool {
	const prefix = "Bearer "
	h := req.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	return p.issuedAccess[strings.TrimPrefix(h, prefix)]
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := struct {
			Issuer             string   `json:"issuer"`
			AuthEndpoint       string   `json:"authorization_endpoint"`
			TokenEndpoint      string   `json:"token_endpoint"`
			JWKSURI            string   `json:"jwks_uri"`
			EndSessionEndpoint string   `json:"end_session_endpoint"`
			ResponseModes      []string `json:"response_modes_supported"`
			Algs               []string `json:"id_token_signing_alg_values_supported"`
		}{
			Issuer:             p.Addr(),
			AuthEndpoint:       p.Addr() + TestProviderAuthPath,
			TokenEndpoint:      p.Addr() + TestProviderTokenPath,
			JWKSURI:            p.Addr() + TestProviderJWKSPath,
			EndSessionEndpoint: p.Addr() + TestProviderLogoutPath,
			ResponseModes:      []string{"query", "fragment", FormPostResponseMode},
			Algs:               []string{string(ES256)},
		}
		_ = p.writeJSON(w, &reply)

	case TestProviderAuthPath:
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fields, redirectURI, errCode := p.authorize(req.URL.Query())
		if errCode != "" {
			if redirectURI == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			fields = url.Values{"error": {errCode}, "state": {req.URL.Query().Get("state")}}
		}
		w.Header().Set("Content-Type", "text/html")
		_ = formPostTemplate.Execute(w, struct {
			Action string
			Fields url.Values
		}{Action: redirectURI, Fields: fields})

	case TestProviderJWKSPath:
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case TestProviderTokenPath:
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.serveToken(w, req)

	case TestProviderLogoutPath:
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("signed out"))

	case TestProviderProfilePath, TestProviderGroupsPath, TestProviderPhotoPath:
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !p.bearerAuthenticated(req) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if p.failResources {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		p.serveResource(w, req)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) serveToken(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	grantType := req.PostFormValue("grant_type")
	p.grantCounts[grantType]++
	if !p.clientAuthenticated(req) {
		p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	reply := struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token,omitempty"`
		IDToken      string `json:"id_token,omitempty"`
		Scope        string `json:"scope,omitempty"`
	}{
		TokenType: "Bearer",
		ExpiresIn: int64(p.tokenExpiry / time.Second),
	}

	switch grantType {
	case "authorization_code":
		switch {
		case !strutils.StrListContains(p.allowedRedirectURIs, req.PostFormValue("redirect_uri")):
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
			return
		case p.expectedAuthCode == "" || req.PostFormValue("code") != p.expectedAuthCode:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
			return
		}
		if !p.omitIDToken {
			reply.IDToken = p.newIdToken(p.authNonce)
		}

	case JWTBearerGrantType:
		scope := req.PostFormValue("scope")
		switch {
		case req.PostFormValue("requested_token_use") != OnBehalfOfTokenUse:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "requested_token_use must be on_behalf_of")
			return
		case !p.issuedIdToken[req.PostFormValue("assertion")]:
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "assertion was not issued by this provider")
			return
		}
		for _, s := range strings.Fields(scope) {
			if strutils.StrListContains(p.failingScopes, s) {
				p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", fmt.Sprintf("consent required for %s", s))
				return
			}
		}
		reply.Scope = scope

	case "refresh_token":
		rt := req.PostFormValue("refresh_token")
		if !p.issuedRefresh[rt] {
			p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
			return
		}
		// rotated
		delete(p.issuedRefresh, rt)

	default:
		p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", grantType)
		return
	}

	reply.AccessToken = p.newAccessToken()
	if !p.omitRefreshToken {
		reply.RefreshToken = p.newRefreshToken()
	}
	_ = p.writeJSON(w, &reply)
}

func (p *TestProvider) serveResource(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case TestProviderProfilePath:
		_ = p.writeJSON(w, p.profile)
	case TestProviderGroupsPath:
		type group struct {
			ODataType   string `json:"@odata.type"`
			DisplayName string `json:"displayName"`
		}
		out := struct {
			Value []group `json:"value"`
		}{Value: []group{}}
		for _, g := range p.groups {
			out.Value = append(out.Value, group{ODataType: "#microsoft.graph.group", DisplayName: g})
		}
		_ = p.writeJSON(w, &out)
	case TestProviderPhotoPath:
		if p.photo == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(p.photo)
	}
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				Algorithm: string(ES256),
				Use:       "sig",
			},
		},
	}
}

// Config returns a Config for a relying party registered with the test
// provider: its client credentials, ES256, the first allowed redirect URI and
// its CA.
func (p *TestProvider) Config(t *testing.T, opt ...Option) *Config {
	t.Helper()
	clientID, clientSecret := p.ClientCreds()
	p.mu.Lock()
	redirect := p.allowedRedirectURIs[0]
	p.mu.Unlock()
	c, err := NewConfig(p.Addr(), clientID, ClientSecret(clientSecret), []Alg{ES256}, redirect,
		append([]Option{WithProviderCA(p.CACert())}, opt...)...)
	require.NoError(t, err)
	return c
}

// NewProvider returns a Provider for the test provider which is released by
// the test's cleanup.
func (p *TestProvider) NewProvider(t *testing.T, opt ...Option) *Provider {
	t.Helper()
	prov, err := NewProvider(p.Config(t, opt...))
	require.NoError(t, err)
	t.Cleanup(prov.Done)
	return prov
}
