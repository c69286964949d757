package authazure_test

import (
	"context"
	"fmt"
	"net/http"

	"github.com/davidpede/authAzureAD/auth"
	"github.com/davidpede/authAzureAD/cache"
	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/session"
	"github.com/davidpede/authAzureAD/user"
	"github.com/davidpede/authAzureAD/vault"
)

func Example_login() {
	ctx := context.Background()

	// Create a provider for the tenant's issuer
	pc, err := oidc.NewConfig(
		"https://login.microsoftonline.com/your-tenant/v2.0",
		"your_client_id",
		"your_client_secret",
		[]oidc.Alg{oidc.RS256},
		"https://your-site.example/login",
		oidc.WithScopes("profile", "email", "offline_access", "User.Read"),
	)
	if err != nil {
		// handle error
	}
	p, err := oidc.NewProvider(pc)
	if err != nil {
		// handle error
	}
	defer p.Done()

	// Service tokens are kept in a cache
	c, err := cache.New(ctx, cache.Config{Driver: cache.DriverMemory, Prefix: "authazure"})
	if err != nil {
		// handle error
	}
	defer c.Close()
	tokens, err := vault.New(c, p)
	if err != nil {
		// handle error
	}

	// Provider identities are mirrored onto local users
	rec, err := user.NewReconciler(user.Config{
		ProfileURL:      "https://graph.microsoft.com/beta/me",
		ProtectedGroups: []string{"Administrator"},
		LoginContext:    "web",
	}, p, user.NewMemoryStore(), tokens, nil)
	if err != nil {
		// handle error
	}

	sessions, err := session.NewCookieStore([]byte("a-session-secret-of-at-least-32-bytes"))
	if err != nil {
		// handle error
	}

	a, err := auth.NewAuthenticator(auth.Config{
		SiteURL:         "https://your-site.example/",
		FailureURL:      "https://your-site.example/login-failed",
		ProtectedGroups: []string{"Administrator"},
		ServiceScopes:   map[string][]string{"crm": {"api://crm/.default"}},
	}, p, rec, tokens, sessions)
	if err != nil {
		// handle error
	}

	http.Handle(a.LoginPath(), a)
	http.HandleFunc("/token/crm", func(w http.ResponseWriter, r *http.Request) {
		t, err := a.FetchToken(r, "crm")
		if err != nil {
			http.Error(w, err.Error(), auth.StatusCode(err))
			return
		}
		fmt.Fprint(w, t)
	})
	http.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		a.Logout(w, r, "")
	})
	if err := http.ListenAndServe(":8080", nil); err != nil {
		// handle error
	}
}
