package auth

import (
	"errors"
	"net/http"

	"github.com/davidpede/authAzureAD/sdk/errs"
)

// ErrNotAuthenticated is returned when the request's session has no
// authenticated user.
var ErrNotAuthenticated = errors.New("user is not authenticated")

// UserID returns the id of the user authenticated in the request's session.
// The session is only read, never committed.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	const op = "Authenticator.UserID"
	sess, err := a.sessions.Load(nil, r)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	uid, ok := sess.Get(KeyUserID)
	if !ok || uid == "" {
		return "", errs.New(errs.ErrNotFound, errs.WithOp(op), errs.WithWrap(ErrNotAuthenticated))
	}
	return uid, nil
}

// FetchToken returns a valid access token of service for the user
// authenticated in the request's session, refreshing it when expired.
func (a *Authenticator) FetchToken(r *http.Request, service string) (string, error) {
	const op = "Authenticator.FetchToken"
	uid, err := a.UserID(r)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrNotFound, errs.WithOp(op), errs.WithMsg("cannot fetch "+service+" access token"))
	}
	t, err := a.tokens.FetchValid(r.Context(), uid, service)
	if err != nil {
		errs.Log(a.logger, err, false)
		return "", err
	}
	return t, nil
}

// Logout clears the local session and sends the browser to the provider's
// logout page, which returns to returnURL (the site URL when empty). When
// the provider has no logout endpoint the browser goes to returnURL directly.
func (a *Authenticator) Logout(w http.ResponseWriter, r *http.Request, returnURL string) {
	const op = "Authenticator.Logout"
	if returnURL == "" {
		returnURL = a.cfg.SiteURL
	}
	if sess, err := a.sessions.Load(w, r); err != nil {
		errs.Log(a.logger, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op)), false)
	} else {
		if uid, ok := sess.Get(KeyUserID); ok {
			a.logger.Info("user logged out", "user_id", uid)
		}
		sess.Clear()
		if err := sess.Commit(); err != nil {
			errs.Log(a.logger, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op)), false)
		}
	}
	target, err := a.provider.LogoutURL(returnURL)
	if err != nil {
		errs.Log(a.logger, err, false)
		target = returnURL
	}
	redirect(w, r, target)
}

// ErrorID returns and clears the correlation id of the last failed login in
// the request's session.
func (a *Authenticator) ErrorID(w http.ResponseWriter, r *http.Request) string {
	const op = "Authenticator.ErrorID"
	sess, err := a.sessions.Load(w, r)
	if err != nil {
		errs.Log(a.logger, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op)), false)
		return ""
	}
	v, ok := sess.Get(KeyError)
	if !ok {
		return ""
	}
	sess.Delete(KeyError)
	if err := sess.Commit(); err != nil {
		errs.Log(a.logger, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op)), false)
	}
	return v
}

// RequireLogin starts the login flow for requests without an authenticated
// user; the user comes back to the requested page afterwards.
func (a *Authenticator) RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.UserID(r); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		a.Login(w, r)
	})
}

// StatusCode maps an error returned by FetchToken to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, errs.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
