package user

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/sdk/id"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/unicode/norm"
)

// DefaultPrimaryService is the vault service name of the token returned by
// the authorization code exchange.
const DefaultPrimaryService = "ms_graph"

// throwawayPasswordLength is the length of the random password sent with
// Login.
const throwawayPasswordLength = 32

// Config configures a Reconciler.
type Config struct {
	// ProfileURL, GroupsURL and PhotoURL are the provider resource APIs
	// called with the primary access token.
	ProfileURL string
	GroupsURL  string
	PhotoURL   string

	// DefaultGroups are assigned to new users.
	DefaultGroups []string

	// ProtectedGroups members get a session context added instead of a
	// login.
	ProtectedGroups []string

	// GroupSyncParent is the local parent group provider groups are
	// synchronized under. Empty disables group sync.
	GroupSyncParent string

	RememberMe   bool
	LoginContext string

	// PrimaryService names the primary token in tokens passed to
	// Reconcile. Defaults to DefaultPrimaryService.
	PrimaryService string
}

// Validate checks the settings the reconciler can't run without.
func (c *Config) Validate() error {
	const op = "user.Config.Validate"
	var result *multierror.Error
	if c.ProfileURL == "" {
		result = multierror.Append(result, errors.New("profile URL is empty"))
	}
	if c.GroupSyncParent != "" && c.GroupsURL == "" {
		result = multierror.Append(result, errors.New("groups URL is empty and group sync is on"))
	}
	if len(c.ProtectedGroups) == 0 {
		result = multierror.Append(result, errors.New("protected groups are empty"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithFatal())
	}
	return nil
}

// Reconciler maps provider identities onto local users.
type Reconciler struct {
	cfg     Config
	fetcher ResourceFetcher
	store   Store
	tokens  TokenStore
	photos  PhotoStore
	logger  hclog.Logger
}

// NewReconciler creates a Reconciler. photos may be nil, in which case users
// get no photo.
//
// Supported options: WithLogger
func NewReconciler(cfg Config, fetcher ResourceFetcher, store Store, tokens TokenStore, photos PhotoStore, opt ...Option) (*Reconciler, error) {
	const op = "user.NewReconciler"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case fetcher == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("resource fetcher is nil"))
	case store == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("user store is nil"))
	case tokens == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("token store is nil"))
	}
	if cfg.PrimaryService == "" {
		cfg.PrimaryService = DefaultPrimaryService
	}
	opts := getOpts(opt...)
	return &Reconciler{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		tokens:  tokens,
		photos:  photos,
		logger:  opts.withLogger,
	}, nil
}

// PrimaryService is the vault service name of the primary token.
func (r *Reconciler) PrimaryService() string { return r.cfg.PrimaryService }

// ProviderData fetches the user's profile and, when group sync is on, group
// display names with the primary token. A failed profile fetch is fatal; a
// failed group listing is logged and yields no groups.
func (r *Reconciler) ProviderData(ctx context.Context, primary *oidc.Token) (*ProviderProfile, []string, error) {
	const op = "Reconciler.ProviderData"
	if primary == nil || primary.AccessToken == "" {
		return nil, nil, errs.New(errs.ErrProvider, errs.WithOp(op), errs.WithMsg("primary token is missing"), errs.WithFatal())
	}
	raw, err := r.fetcher.FetchResource(ctx, r.cfg.ProfileURL, primary.AccessToken)
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("profile fetch failed"), errs.WithFatal())
	}
	profile := NewProviderProfile(raw)

	if r.cfg.GroupSyncParent == "" {
		return profile, nil, nil
	}
	groups, err := r.groups(ctx, primary.AccessToken)
	if err != nil {
		errs.Log(r.logger, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("group listing failed")), false)
		return profile, nil, nil
	}
	return profile, groups, nil
}

func (r *Reconciler) groups(ctx context.Context, t oidc.AccessToken) ([]string, error) {
	raw, err := r.fetcher.FetchResource(ctx, r.cfg.GroupsURL, t)
	if err != nil {
		return nil, err
	}
	values, ok := raw["value"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("group listing has no value array")
	}
	groups := make([]string, 0, len(values))
	for _, v := range values {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := m["displayName"].(string); ok && name != "" {
			groups = append(groups, name)
		}
	}
	return groups, nil
}

// Reconcile creates or updates the local user for the identity, saves the
// extension record, opens the local session and then stores every token
// under the user id. A new user is deleted again when saving its extension
// or opening its session fails.
func (r *Reconciler) Reconcile(ctx context.Context, ident Identity, profile *ProviderProfile, groups []string, tokens map[string]*oidc.Token) (*Profile, error) {
	const op = "Reconciler.Reconcile"
	username := norm.NFC.String(ident.Email)
	if username == "" {
		return nil, errs.New(errs.ErrReconciliation, errs.WithOp(op), errs.WithMsg("identity has no email"), errs.WithFatal())
	}
	if profile == nil {
		profile = NewProviderProfile(map[string]interface{}{})
	}

	fields := Fields{
		Username:      username,
		Fullname:      profile.Fullname(),
		Email:         profile.Mail,
		Photo:         r.photo(ctx, username, tokens[r.cfg.PrimaryService]),
		DefaultGroups: r.cfg.DefaultGroups,
	}
	if r.cfg.GroupSyncParent != "" && groups != nil {
		fields.Groups = groups
		fields.GroupsParent = r.cfg.GroupSyncParent
	}

	existing, err := r.store.LookupByUsername(ctx, username)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, reconciliationErr(op, "lookup user failed", fields, err)
	}

	created := false
	if existing != nil {
		fields.ID = existing.ID
		fields.Active = existing.Active
		if err := r.store.Update(ctx, fields); err != nil {
			return nil, reconciliationErr(op, "update user failed", fields, err)
		}
	} else {
		fields.Active = true
		newID, err := r.store.Create(ctx, fields)
		if err != nil {
			return nil, reconciliationErr(op, "create user failed", fields, err)
		}
		fields.ID = newID
		created = true
	}

	ext := Extension{UserID: fields.ID, Claims: ident.Claims, Profile: profile.Raw}
	if err := r.store.SaveExtension(ctx, ext); err != nil {
		return nil, r.rollback(ctx, created, fields.ID, reconciliationErr(op, "save user extension failed", fields, err))
	}

	if err := r.establishSession(ctx, fields); err != nil {
		return nil, r.rollback(ctx, created, fields.ID, reconciliationErr(op, "login user failed", fields, err))
	}

	// tokens are stored only after the session is open, in service order
	services := make([]string, 0, len(tokens))
	for s := range tokens {
		services = append(services, s)
	}
	sort.Strings(services)
	for _, s := range services {
		if tokens[s] == nil {
			continue
		}
		if err := r.tokens.Store(ctx, fields.ID, s, tokens[s]); err != nil {
			errs.Log(r.logger, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("unable to store %s token", s))), false)
		}
	}

	return &Profile{
		ID:       fields.ID,
		Username: fields.Username,
		Fullname: fields.Fullname,
		Email:    fields.Email,
		PhotoURL: fields.Photo,
		Groups:   fields.Groups,
		Active:   fields.Active,
	}, nil
}

func (r *Reconciler) establishSession(ctx context.Context, f Fields) error {
	member, err := r.store.IsMember(ctx, f.ID, r.cfg.ProtectedGroups)
	if err != nil {
		return err
	}
	if member {
		return r.store.AddSessionContext(ctx, f.ID, r.cfg.LoginContext)
	}
	password, err := id.NewWithLength("", throwawayPasswordLength)
	if err != nil {
		return err
	}
	return r.store.Login(ctx, LoginRequest{
		Username:     f.Username,
		Password:     password,
		RememberMe:   r.cfg.RememberMe,
		LoginContext: r.cfg.LoginContext,
	})
}

// rollback deletes a user created during this reconciliation. A failed
// delete is added to the returned error.
func (r *Reconciler) rollback(ctx context.Context, created bool, userID string, cause *errs.Error) error {
	if !created {
		return cause
	}
	if err := r.store.Delete(ctx, userID); err != nil {
		cause.Wrapped = multierror.Append(cause.Wrapped, fmt.Errorf("rollback of user %s failed: %w", userID, err))
		return cause
	}
	r.logger.Debug("rolled back new user", "user_id", userID)
	return cause
}

// photo fetches and saves the user's photo and returns its URL, or an empty
// URL on any failure.
func (r *Reconciler) photo(ctx context.Context, username string, primary *oidc.Token) string {
	const op = "Reconciler.photo"
	if r.photos == nil || r.cfg.PhotoURL == "" || primary == nil {
		return ""
	}
	data, err := r.fetcher.FetchBinary(ctx, r.cfg.PhotoURL, primary.AccessToken)
	if err != nil {
		errs.Log(r.logger, errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("photo fetch failed")), false)
		return ""
	}
	url, err := r.photos.Save(ctx, PhotoName(username), data)
	if err != nil {
		errs.Log(r.logger, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("photo save failed")), false)
		return ""
	}
	return url
}

// PhotoName is the file name of a user's photo: the hex md5 of the username
// with a .jpg extension.
func PhotoName(username string) string {
	sum := md5.Sum([]byte(username))
	return hex.EncodeToString(sum[:]) + ".jpg"
}

// fieldsError carries the attempted fields of a failed store call.
type fieldsError struct {
	fields Fields
	err    error
}

func (e *fieldsError) Error() string {
	return fmt.Sprintf("%s: fields: %s", e.err, e.fields)
}

func (e *fieldsError) Unwrap() error { return e.err }

// AttemptedFields returns the fields carried by a reconciliation error.
func AttemptedFields(err error) (Fields, bool) {
	var fe *fieldsError
	if errors.As(err, &fe) {
		return fe.fields, true
	}
	return Fields{}, false
}

func reconciliationErr(op, msg string, f Fields, err error) *errs.Error {
	return errs.New(errs.ErrReconciliation, errs.WithOp(op), errs.WithMsg(msg), errs.WithWrap(&fieldsError{fields: f, err: err}), errs.WithFatal())
}
