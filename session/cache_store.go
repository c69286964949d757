package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/davidpede/authAzureAD/cache"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/sdk/id"
)

const (
	cacheKeyPrefix = "session:"
	sessionIDLen   = 32
)

// CacheStore keeps session values server side in a cache.Client; the cookie
// only carries a random session id.
type CacheStore struct {
	c    cache.Client
	opts options
}

var _ Store = (*CacheStore)(nil)

// NewCacheStore returns a CacheStore over c.
// Supported options: WithName, WithPath, WithMaxAge, WithInsecure, WithLogger.
func NewCacheStore(c cache.Client, opt ...Option) (*CacheStore, error) {
	const op = "session.NewCacheStore"
	if c == nil {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("cache client is nil"))
	}
	return &CacheStore{c: c, opts: getOpts(opt...)}, nil
}

// Load returns the session named by the request's cookie. Unknown or
// expired ids start an empty session under a fresh id.
func (s *CacheStore) Load(w http.ResponseWriter, r *http.Request) (Session, error) {
	const op = "CacheStore.Load"
	sess := &cacheSession{store: s, values: values{}, w: w, r: r}
	cookie, err := r.Cookie(s.opts.withName)
	if err != nil || cookie.Value == "" {
		return sess, nil
	}
	raw, err := s.c.Get(r.Context(), cacheKeyPrefix+cookie.Value)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return sess, nil
	case err != nil:
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	if err := json.Unmarshal([]byte(raw), &sess.values); err != nil {
		s.opts.withLogger.Warn("discarding undecodable session", "op", op, "error", err)
		sess.values = values{}
		return sess, nil
	}
	sess.id = cookie.Value
	return sess, nil
}

type cacheSession struct {
	values
	store *CacheStore
	id    string
	renew bool
	w     http.ResponseWriter
	r     *http.Request
}

func (s *cacheSession) Renew() { s.renew = true }

func (s *cacheSession) Clear() {
	s.values.Clear()
	s.Renew()
}

func (s *cacheSession) Commit() error {
	const op = "cacheSession.Commit"
	var oldID string
	if s.renew {
		oldID, s.id = s.id, ""
		s.renew = false
	}
	if s.id == "" {
		sid, err := id.NewWithLength("", sessionIDLen)
		if err != nil {
			return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
		}
		s.id = sid
	}
	payload, err := json.Marshal(s.values)
	if err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	opts := s.store.opts
	ctx := s.r.Context()
	if err := s.store.c.Set(ctx, cacheKeyPrefix+s.id, string(payload), opts.withMaxAge); err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	if oldID != "" {
		if err := s.store.c.Delete(ctx, cacheKeyPrefix+oldID); err != nil {
			return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("unable to drop renewed session"))
		}
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     opts.withName,
		Value:    s.id,
		Path:     opts.withPath,
		MaxAge:   int(opts.withMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   opts.withSecure,
		SameSite: opts.withSameSite,
	})
	return nil
}
