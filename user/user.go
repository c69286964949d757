// Package user reconciles a verified provider identity with the local user
// store: it creates or updates the local user, synchronizes group membership
// and the profile photo, stores the user's service tokens and opens the local
// session.
package user

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidpede/authAzureAD/oidc"
)

// Profile is a local user.
type Profile struct {
	ID       string
	Username string
	Fullname string
	Email    string
	PhotoURL string
	Groups   []string
	Active   bool
}

// Fields is the field set sent to the store on create or update. It is
// carried by reconciliation errors so a failed attempt can be diagnosed.
type Fields struct {
	ID            string
	Username      string
	Fullname      string
	Email         string
	Photo         string
	DefaultGroups []string
	Active        bool

	// Groups are the provider group names to synchronize under
	// GroupsParent. Both are empty when group sync is off.
	Groups       []string
	GroupsParent string
}

// FlattenedGroups returns the synchronized groups as one comma separated
// string.
func (f Fields) FlattenedGroups() string {
	return strings.Join(f.Groups, ",")
}

// String formats the fields for log and error messages.
func (f Fields) String() string {
	return fmt.Sprintf("id=%q username=%q fullname=%q email=%q photo=%q default_groups=%q active=%t groups=%q groups_parent=%q",
		f.ID, f.Username, f.Fullname, f.Email, f.Photo, strings.Join(f.DefaultGroups, ","), f.Active, f.FlattenedGroups(), f.GroupsParent)
}

// Extension is the provider specific record kept beside a local user: the
// raw id_token claims and the provider profile document.
type Extension struct {
	UserID  string
	Claims  map[string]interface{}
	Profile map[string]interface{}
}

// LoginRequest opens a local session for a user.
type LoginRequest struct {
	Username string
	// Password replaces the user's local credential. The reconciler sends a
	// random value so provider users can't log in with a local password.
	Password     string
	RememberMe   bool
	LoginContext string
}

// Identity is the verified provider identity handed over by the login flow.
type Identity struct {
	Email      string
	RawIdToken oidc.IdToken
	Claims     map[string]interface{}
}

// ProviderProfile is the user's profile document from the provider's
// profile API.
type ProviderProfile struct {
	GivenName   string
	Surname     string
	DisplayName string
	Mail        string
	Raw         map[string]interface{}
}

// NewProviderProfile parses a profile document.
func NewProviderProfile(raw map[string]interface{}) *ProviderProfile {
	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	return &ProviderProfile{
		GivenName:   str("givenName"),
		Surname:     str("surname"),
		DisplayName: str("displayName"),
		Mail:        str("mail"),
		Raw:         raw,
	}
}

// Fullname is the given name and surname, or the display name when both are
// missing.
func (p *ProviderProfile) Fullname() string {
	if n := strings.TrimSpace(p.GivenName + " " + p.Surname); n != "" {
		return n
	}
	return p.DisplayName
}

// Store is the local user store.
type Store interface {
	// LookupByUsername returns the user, or an error wrapping
	// errs.ErrNotFound.
	LookupByUsername(ctx context.Context, username string) (*Profile, error)
	// Create returns the id of the new user.
	Create(ctx context.Context, f Fields) (string, error)
	Update(ctx context.Context, f Fields) error
	// Delete removes a user and its extension. Used to undo a partial
	// create.
	Delete(ctx context.Context, id string) error
	IsMember(ctx context.Context, id string, groups []string) (bool, error)
	AddSessionContext(ctx context.Context, id string, loginContext string) error
	Login(ctx context.Context, req LoginRequest) error
	SaveExtension(ctx context.Context, e Extension) error
}

// ResourceFetcher makes authenticated requests to the provider's resource
// APIs.
type ResourceFetcher interface {
	FetchResource(ctx context.Context, url string, t oidc.AccessToken) (map[string]interface{}, error)
	FetchBinary(ctx context.Context, url string, t oidc.AccessToken) ([]byte, error)
}

// TokenStore keeps the user's service tokens.
type TokenStore interface {
	Store(ctx context.Context, userID, service string, t *oidc.Token) error
}

// PhotoStore saves profile photos and returns their public URL.
type PhotoStore interface {
	Save(ctx context.Context, name string, photo []byte) (string, error)
}
