package user

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/sdk/id"
	"github.com/hashicorp/go-multierror"
)

type memoryUser struct {
	profile      Profile
	passwordHash string
	rememberMe   bool
	lastLogin    time.Time
	// synced maps provider group names to their parent group.
	synced   map[string]string
	contexts map[string]bool
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]*memoryUser
	byUsername map[string]string
	extensions map[string]Extension
	failures   map[string]error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      map[string]*memoryUser{},
		byUsername: map[string]string{},
		extensions: map[string]Extension{},
		failures:   map[string]error{},
	}
}

// FailOn makes the named method ("Create", "Update", "Delete", "IsMember",
// "AddSessionContext", "Login", "SaveExtension" or "LookupByUsername")
// return err. A nil err clears the failure.
func (s *MemoryStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *MemoryStore) failure(method string) error {
	return s.failures[method]
}

func (s *MemoryStore) LookupByUsername(_ context.Context, username string) (*Profile, error) {
	const op = "MemoryStore.LookupByUsername"
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("LookupByUsername"); err != nil {
		return nil, err
	}
	uid, ok := s.byUsername[username]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("user %q", username)))
	}
	p := s.profile(s.users[uid])
	return &p, nil
}

// Get returns the user with the id.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	const op = "MemoryStore.Get"
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("user %q", userID)))
	}
	p := s.profile(u)
	return &p, nil
}

func (s *MemoryStore) Create(_ context.Context, f Fields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Create"); err != nil {
		return "", err
	}
	if err := validateFields(f, false); err != nil {
		return "", err
	}
	if _, ok := s.byUsername[f.Username]; ok {
		return "", fmt.Errorf("username %q already exists", f.Username)
	}
	uid, err := id.New("usr")
	if err != nil {
		return "", err
	}
	u := &memoryUser{
		profile: Profile{
			ID:       uid,
			Username: f.Username,
			Fullname: f.Fullname,
			Email:    f.Email,
			PhotoURL: f.Photo,
			Active:   f.Active,
		},
		synced:   map[string]string{},
		contexts: map[string]bool{},
	}
	u.profile.Groups = mergeGroups(nil, f.DefaultGroups)
	s.applyGroups(u, f)
	s.users[uid] = u
	s.byUsername[f.Username] = uid
	return uid, nil
}

func (s *MemoryStore) Update(_ context.Context, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Update"); err != nil {
		return err
	}
	if err := validateFields(f, true); err != nil {
		return err
	}
	u, ok := s.users[f.ID]
	if !ok {
		return fmt.Errorf("user %q does not exist", f.ID)
	}
	if u.profile.Username != f.Username {
		delete(s.byUsername, u.profile.Username)
		s.byUsername[f.Username] = f.ID
	}
	u.profile.Username = f.Username
	u.profile.Fullname = f.Fullname
	u.profile.Email = f.Email
	u.profile.PhotoURL = f.Photo
	u.profile.Active = f.Active
	u.profile.Groups = mergeGroups(u.profile.Groups, f.DefaultGroups)
	s.applyGroups(u, f)
	return nil
}

// applyGroups replaces the groups previously synchronized under the parent
// with f.Groups.
func (s *MemoryStore) applyGroups(u *memoryUser, f Fields) {
	if f.GroupsParent == "" {
		return
	}
	stale := map[string]bool{}
	for g, parent := range u.synced {
		if parent == f.GroupsParent {
			stale[g] = true
			delete(u.synced, g)
		}
	}
	kept := u.profile.Groups[:0]
	for _, g := range u.profile.Groups {
		if !stale[g] {
			kept = append(kept, g)
		}
	}
	for _, g := range f.Groups {
		u.synced[g] = f.GroupsParent
	}
	u.profile.Groups = mergeGroups(kept, f.Groups)
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Delete"); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %q does not exist", userID)
	}
	delete(s.byUsername, u.profile.Username)
	delete(s.users, userID)
	delete(s.extensions, userID)
	return nil
}

func (s *MemoryStore) IsMember(_ context.Context, userID string, groups []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("IsMember"); err != nil {
		return false, err
	}
	u, ok := s.users[userID]
	if !ok {
		return false, fmt.Errorf("user %q does not exist", userID)
	}
	for _, g := range groups {
		for _, m := range u.profile.Groups {
			if strings.EqualFold(g, m) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *MemoryStore) AddSessionContext(_ context.Context, userID, loginContext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AddSessionContext"); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %q does not exist", userID)
	}
	u.contexts[loginContext] = true
	return nil
}

// Login replaces the user's password with req.Password and opens a session
// in req.LoginContext. Inactive users can't log in.
func (s *MemoryStore) Login(_ context.Context, req LoginRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Login"); err != nil {
		return err
	}
	uid, ok := s.byUsername[req.Username]
	if !ok {
		return fmt.Errorf("user %q does not exist", req.Username)
	}
	u := s.users[uid]
	var result *multierror.Error
	if !u.profile.Active {
		result = multierror.Append(result, errors.New("user is inactive"))
	}
	if req.Password == "" {
		result = multierror.Append(result, errors.New("password is empty"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return err
	}
	u.passwordHash = hash
	u.rememberMe = req.RememberMe
	u.lastLogin = time.Now()
	u.contexts[req.LoginContext] = true
	return nil
}

// CheckPassword reports whether password is the user's current local
// password.
func (s *MemoryStore) CheckPassword(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byUsername[username]
	if !ok {
		return false
	}
	return checkPassword(s.users[uid].passwordHash, password)
}

// SessionContexts returns the sorted login contexts the user has a session
// in.
func (s *MemoryStore) SessionContexts(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(u.contexts))
	for c := range u.contexts {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) SaveExtension(_ context.Context, e Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SaveExtension"); err != nil {
		return err
	}
	if _, ok := s.users[e.UserID]; !ok {
		return fmt.Errorf("user %q does not exist", e.UserID)
	}
	s.extensions[e.UserID] = e
	return nil
}

// Extension returns the user's extension record.
func (s *MemoryStore) Extension(userID string) (Extension, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extensions[userID]
	return e, ok
}

// Len returns the number of users.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *MemoryStore) profile(u *memoryUser) Profile {
	p := u.profile
	p.Groups = append([]string(nil), u.profile.Groups...)
	return p
}

// validateFields returns every problem with f at once.
func validateFields(f Fields, update bool) error {
	var result *multierror.Error
	if update && f.ID == "" {
		result = multierror.Append(result, errors.New("id is empty"))
	}
	if f.Username == "" {
		result = multierror.Append(result, errors.New("username is empty"))
	}
	if f.Email != "" && !strings.Contains(f.Email, "@") {
		result = multierror.Append(result, fmt.Errorf("email %q is invalid", f.Email))
	}
	if len(f.Groups) > 0 && f.GroupsParent == "" {
		result = multierror.Append(result, errors.New("groups parent is empty"))
	}
	return result.ErrorOrNil()
}

// mergeGroups appends the groups not already in base, keeping order.
func mergeGroups(base, add []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]bool, len(out)+len(add))
	for _, g := range out {
		seen[g] = true
	}
	for _, g := range add {
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}
