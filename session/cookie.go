package session

import (
	"fmt"
	"net/http"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/gorilla/sessions"
)

// MinSecretLength is the shortest accepted cookie signing secret.
const MinSecretLength = 32

// CookieStore keeps the whole session in a signed cookie.
type CookieStore struct {
	store *sessions.CookieStore
	opts  options
}

var _ Store = (*CookieStore)(nil)

// NewCookieStore returns a CookieStore signing cookies with secret.
// Supported options: WithName, WithPath, WithMaxAge, WithInsecure, WithLogger.
func NewCookieStore(secret []byte, opt ...Option) (*CookieStore, error) {
	const op = "session.NewCookieStore"
	if len(secret) < MinSecretLength {
		return nil, errs.New(errs.ErrConfig, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("session secret must be at least %d bytes", MinSecretLength)), errs.WithFatal())
	}
	opts := getOpts(opt...)
	s := sessions.NewCookieStore(secret)
	s.Options = &sessions.Options{
		Path:     opts.withPath,
		HttpOnly: true,
		Secure:   opts.withSecure,
		SameSite: opts.withSameSite,
	}
	s.MaxAge(int(opts.withMaxAge.Seconds()))
	return &CookieStore{store: s, opts: opts}, nil
}

// Load decodes the request's session cookie. A cookie that fails to decode
// is discarded and an empty session is returned.
func (s *CookieStore) Load(w http.ResponseWriter, r *http.Request) (Session, error) {
	const op = "CookieStore.Load"
	gs, err := s.store.Get(r, s.opts.withName)
	if err != nil {
		if gs == nil {
			return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
		}
		s.opts.withLogger.Warn("discarding undecodable session cookie", "op", op, "error", err)
	}
	v := values{}
	for k, val := range gs.Values {
		ks, ok := k.(string)
		if !ok {
			continue
		}
		if vs, ok := val.(string); ok {
			v[ks] = vs
		}
	}
	return &cookieSession{values: v, gs: gs, w: w, r: r}, nil
}

type cookieSession struct {
	values
	gs *sessions.Session
	w  http.ResponseWriter
	r  *http.Request
}

// Renew does nothing: the cookie carries the values, not an id.
func (s *cookieSession) Renew() {}

func (s *cookieSession) Commit() error {
	const op = "cookieSession.Commit"
	s.gs.Values = make(map[interface{}]interface{}, len(s.values))
	for k, v := range s.values {
		s.gs.Values[k] = v
	}
	if err := s.gs.Save(s.r, s.w); err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return nil
}
