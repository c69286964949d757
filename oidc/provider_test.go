package oidc

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// TestNewProvider does not repeat all the Config unit tests. It just focuses
// on the additional tests that are unique to creating a new provider.
func TestNewProvider(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	tests := []struct {
		name      string
		config    *Config
		wantErr   bool
		wantIsErr error
	}{
		{
			name:   "valid",
			config: tp.Config(t),
		},
		{
			name:      "nil-config",
			config:    nil,
			wantErr:   true,
			wantIsErr: ErrNilParameter,
		},
		{
			name: "invalid-config",
			config: func() *Config {
				c := tp.Config(t)
				c.Issuer = ""
				return c
			}(),
			wantErr:   true,
			wantIsErr: errs.ErrConfig,
		},
		{
			name: "untrusted-ca",
			config: func() *Config {
				c := tp.Config(t)
				c.ProviderCA = ""
				return c
			}(),
			wantErr:   true,
			wantIsErr: errs.ErrProvider,
		},
		{
			name: "issuer-not-discoverable",
			config: func() *Config {
				c := tp.Config(t)
				c.Issuer = tp.Addr() + "/not-found"
				return c
			}(),
			wantErr:   true,
			wantIsErr: errs.ErrProvider,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewProvider(tt.config)
			defer got.Done()
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.NotNil(got.config)
			assert.NotNil(got.provider)
			assert.NotNil(got.client)
			assert.NotNil(got.backgroundCtx)
			assert.NotNil(got.backgroundCtxCancel)
			assert.Equal(tp.Addr()+TestProviderLogoutPath, got.endSessionURL)
		})
	}
}

func TestProvider_Done(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	tp := StartTestProvider(t)
	p, err := NewProvider(tp.Config(t))
	require.NoError(t, err)

	p.Done()
	assert.Nil(p.backgroundCtxCancel)
	assert.Error(p.backgroundCtx.Err())
	// safe to call twice and on nil
	p.Done()
	var nilProvider *Provider
	nilProvider.Done()
}

func TestProvider_AuthURL(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	p := tp.NewProvider(t, WithScopes("email", "profile"))
	ctx := context.Background()

	t.Run("hybrid-form-post", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		authURL, state, err := p.AuthURL(ctx, nil, "test-nonce")
		require.NoError(err)
		require.NotEmpty(state)
		assert.True(strings.HasPrefix(state, "st_"))

		u, err := url.Parse(authURL)
		require.NoError(err)
		assert.Equal(tp.Addr()+TestProviderAuthPath, u.Scheme+"://"+u.Host+u.Path)
		q := u.Query()
		assert.Equal(HybridResponseType, q.Get("response_type"))
		assert.Equal(FormPostResponseMode, q.Get("response_mode"))
		assert.Equal("test-nonce", q.Get("nonce"))
		assert.Equal(state, q.Get("state"))
		assert.Equal("openid email profile", q.Get("scope"))
		assert.Equal(p.config.RedirectURL, q.Get("redirect_uri"))
		assert.Equal(p.config.ClientID, q.Get("client_id"))
	})
	t.Run("explicit-scopes", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		authURL, _, err := p.AuthURL(ctx, []string{"openid", "User.Read"}, "test-nonce")
		require.NoError(err)
		u, err := url.Parse(authURL)
		require.NoError(err)
		assert.Equal("openid User.Read", u.Query().Get("scope"))
	})
	t.Run("fresh-state-every-call", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, s1, err := p.AuthURL(ctx, nil, "n")
		require.NoError(err)
		_, s2, err := p.AuthURL(ctx, nil, "n")
		require.NoError(err)
		assert.NotEqual(s1, s2)
	})
	t.Run("empty-nonce", func(t *testing.T) {
		_, _, err := p.AuthURL(ctx, nil, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	})
	t.Run("accepted-by-provider", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		authURL, state, err := p.AuthURL(ctx, nil, "test-nonce")
		require.NoError(err)
		fields, err := tp.AuthorizeResponse(authURL)
		require.NoError(err)
		assert.Equal(state, fields.Get("state"))
		assert.NotEmpty(fields.Get("code"))
		assert.NotEmpty(fields.Get("id_token"))
	})
}

func TestProvider_Exchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetExpectedAuthCode("valid-code")
		p := tp.NewProvider(t)
		got, err := p.Exchange(ctx, "valid-code")
		require.NoError(err)
		assert.NotEmpty(got.AccessToken)
		assert.NotEmpty(got.RefreshToken)
		assert.NotEmpty(got.IdToken)
		assert.True(got.Valid())
		assert.Equal(1, tp.GrantCount("authorization_code"))
	})
	t.Run("bad-code", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := tp.NewProvider(t)
		_, err := p.Exchange(ctx, "bad-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrProvider)
	})
	t.Run("bad-client-secret", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := tp.NewProvider(t)
		tp.SetClientCreds("test-client-id", "rotated-secret")
		_, err := p.Exchange(ctx, "test-auth-code")
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrProvider)
	})
	t.Run("empty-code", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := tp.NewProvider(t)
		_, err := p.Exchange(ctx, "")
		assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	})
}

func TestProvider_ExchangeOnBehalfOf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	tp.SetFailingScopes("https://crm.example.com/.default")
	p := tp.NewProvider(t)
	idToken := IdToken(tp.IssueIdToken("nonce"))

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := p.ExchangeOnBehalfOf(ctx, idToken, []string{"https://graph.example.com/.default"})
		require.NoError(err)
		assert.NotEmpty(got.AccessToken)
		assert.NotEmpty(got.RefreshToken)
		assert.False(got.Expiry.IsZero())
	})
	t.Run("provider-rejects-scope", func(t *testing.T) {
		_, err := p.ExchangeOnBehalfOf(ctx, idToken, []string{"https://crm.example.com/.default"})
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrProvider)
		assert.Contains(t, err.Error(), "consent required")
	})
	t.Run("unknown-assertion", func(t *testing.T) {
		_, err := p.ExchangeOnBehalfOf(ctx, "not-issued", []string{"https://graph.example.com/.default"})
		assert.ErrorIs(t, err, errs.ErrProvider)
	})
	t.Run("empty-assertion", func(t *testing.T) {
		_, err := p.ExchangeOnBehalfOf(ctx, "", nil)
		assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	})
}

// A rejected grant reaches the token endpoint once, whatever the client
// auth style.
func TestProvider_failedGrantsNotResent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name  string
		style oauth2.AuthStyle
	}{
		{name: "default"},
		{name: "in-params", style: oauth2.AuthStyleInParams},
		{name: "in-header", style: oauth2.AuthStyleInHeader},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			tp.SetFailingScopes("https://crm.example.com/.default")
			p := tp.NewProvider(t, WithAuthStyle(tt.style))

			_, err := p.Refresh(ctx, "not-issued")
			require.ErrorIs(err, errs.ErrProvider)
			assert.Equal(1, tp.GrantCount("refresh_token"))

			_, err = p.ExchangeOnBehalfOf(ctx, "not-issued", []string{"https://graph.example.com/.default"})
			require.ErrorIs(err, errs.ErrProvider)
			assert.Equal(1, tp.GrantCount(JWTBearerGrantType))

			_, err = p.ExchangeOnBehalfOf(ctx, IdToken(tp.IssueIdToken("nonce")), []string{"https://crm.example.com/.default"})
			require.ErrorIs(err, errs.ErrProvider)
			assert.Equal(2, tp.GrantCount(JWTBearerGrantType))

			_, err = p.Exchange(ctx, "wrong-code")
			require.ErrorIs(err, errs.ErrProvider)
			assert.Equal(1, tp.GrantCount("authorization_code"))

			// the pinned style still authenticates
			got, err := p.Refresh(ctx, RefreshToken(tp.IssueRefreshToken()))
			require.NoError(err)
			assert.NotEmpty(got.AccessToken)
			assert.Equal(2, tp.GrantCount("refresh_token"))
		})
	}
}

func TestProvider_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	p := tp.NewProvider(t)

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rt := RefreshToken(tp.IssueRefreshToken())
		got, err := p.Refresh(ctx, rt)
		require.NoError(err)
		assert.NotEmpty(got.AccessToken)
		assert.NotEqual(rt, got.RefreshToken)
		assert.Equal(1, tp.GrantCount("refresh_token"))

		// refresh tokens rotate, the old one is spent
		_, err = p.Refresh(ctx, rt)
		assert.ErrorIs(err, errs.ErrProvider)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := p.Refresh(ctx, "")
		assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	})
}

func TestProvider_FetchResource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	tp.SetGroups("Staff", "Editors")
	tp.SetPhoto([]byte("jpeg-bytes"))
	p := tp.NewProvider(t)
	tk, err := p.Exchange(ctx, "test-auth-code")
	require.NoError(t, err)

	t.Run("profile", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := p.FetchResource(ctx, tp.ProfileURL(), tk.AccessToken)
		require.NoError(err)
		assert.Equal("alice@example.com", got["mail"])
		assert.Equal("Alice Doe", got["displayName"])
	})
	t.Run("groups", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := p.FetchResource(ctx, tp.GroupsURL(), tk.AccessToken)
		require.NoError(err)
		values, ok := got["value"].([]interface{})
		require.True(ok)
		assert.Len(values, 2)
	})
	t.Run("photo", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := p.FetchBinary(ctx, tp.PhotoURL(), tk.AccessToken)
		require.NoError(err)
		assert.Equal([]byte("jpeg-bytes"), got)
	})
	t.Run("bad-token", func(t *testing.T) {
		_, err := p.FetchResource(ctx, tp.ProfileURL(), "not-issued")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnexpectedResponseCode)
		assert.ErrorIs(t, err, errs.ErrProvider)
	})
	t.Run("empty-token", func(t *testing.T) {
		_, err := p.FetchBinary(ctx, tp.PhotoURL(), "")
		assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	})
}

func TestProvider_LogoutURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	p := tp.NewProvider(t)

	got, err := p.LogoutURL("https://app.example.com/")
	require.NoError(err)
	u, err := url.Parse(got)
	require.NoError(err)
	assert.Equal(TestProviderLogoutPath, u.Path)
	assert.Equal("https://app.example.com/", u.Query().Get("post_logout_redirect_uri"))

	p.endSessionURL = ""
	_, err = p.LogoutURL("https://app.example.com/")
	assert.ErrorIs(err, ErrMissingEndSession)
}

func TestProvider_VerifyIdToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := tp.NewProvider(t)
		claims, err := p.VerifyIdToken(ctx, IdToken(tp.IssueIdToken("nonce-1")))
		require.NoError(err)
		assert.Equal("nonce-1", claims["nonce"])
		assert.Equal("alice@example.com", claims["email"])
	})
	t.Run("wrong-audience", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetCustomAudience("someone-else")
		p := tp.NewProvider(t)
		_, err := p.VerifyIdToken(ctx, IdToken(tp.IssueIdToken("nonce-1")))
		assert.ErrorIs(t, err, errs.ErrProvider)
	})
	t.Run("configured-audiences", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := tp.NewProvider(t, WithAudiences("api://other"))
		_, err := p.VerifyIdToken(ctx, IdToken(tp.IssueIdToken("nonce-1")))
		assert.ErrorIs(t, err, ErrInvalidAudience)
	})
	t.Run("expired", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := tp.NewProvider(t, WithNow(func() time.Time { return time.Now().Add(2 * time.Hour) }))
		_, err := p.VerifyIdToken(ctx, IdToken(tp.IssueIdToken("nonce-1")))
		assert.ErrorIs(t, err, errs.ErrProvider)
	})
	t.Run("foreign-signature", func(t *testing.T) {
		tp := StartTestProvider(t)
		other := StartTestProvider(t)
		p := tp.NewProvider(t)
		_, err := p.VerifyIdToken(ctx, IdToken(other.IssueIdToken("nonce-1")))
		assert.ErrorIs(t, err, errs.ErrProvider)
	})
	t.Run("empty", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := tp.NewProvider(t)
		_, err := p.VerifyIdToken(ctx, "")
		assert.ErrorIs(t, err, ErrMissingIdToken)
	})
}
