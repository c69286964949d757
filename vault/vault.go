// Package vault keeps the per-user cache of downstream service tokens and
// refreshes expired ones on demand.
//
// Records are keyed by user id and service name and never expire from the
// cache; an expired record is refreshed when fetched. FetchValid does not
// lock: two concurrent fetches of the same expired record may both refresh
// it, and the last write wins.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davidpede/authAzureAD/cache"
	"github.com/davidpede/authAzureAD/metrics"
	"github.com/davidpede/authAzureAD/oidc"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/hashicorp/go-hclog"
)

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken oidc.RefreshToken) (*oidc.Token, error)
}

// Record is a cached service token.
type Record struct {
	UserID       string
	Service      string
	AccessToken  oidc.AccessToken
	RefreshToken oidc.RefreshToken
	Expiry       time.Time
}

// storedRecord is the cache payload. The oidc token types redact themselves
// when marshaled, so the payload carries plain strings.
type storedRecord struct {
	UserID       string    `json:"user_id"`
	Service      string    `json:"service"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Vault stores and serves service tokens.
type Vault struct {
	cache     cache.Client
	refresher Refresher
	logger    hclog.Logger
	nowFunc   func() time.Time
}

// New creates a Vault.
//
// Supported options: WithLogger, WithNow
func New(c cache.Client, r Refresher, opt ...Option) (*Vault, error) {
	const op = "vault.New"
	switch {
	case c == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("cache is nil"))
	case r == nil:
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("refresher is nil"))
	}
	opts := getOpts(opt...)
	return &Vault{
		cache:     c,
		refresher: r,
		logger:    opts.withLogger,
		nowFunc:   opts.withNowFunc,
	}, nil
}

// Key is the cache key of a record: the user id and the service name
// joined by a colon.
func Key(userID, service string) string {
	return userID + ":" + service
}

// Store upserts the token for (userID, service) with no expiration.
func (v *Vault) Store(ctx context.Context, userID, service string, t *oidc.Token) error {
	const op = "Vault.Store"
	switch {
	case userID == "":
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("user id is empty"))
	case service == "":
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("service is empty"))
	case t == nil || t.AccessToken == "":
		return errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("token has no access_token"))
	}
	return v.put(ctx, op, Record{
		UserID:       userID,
		Service:      service,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	})
}

// Lookup returns the stored record for (userID, service) without checking
// its expiry.
func (v *Vault) Lookup(ctx context.Context, userID, service string) (*Record, error) {
	const op = "Vault.Lookup"
	raw, err := v.cache.Get(ctx, Key(userID, service))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Wrap(err, errs.ErrNotFound, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("no %s token for user %s", service, userID)))
		}
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	var s storedRecord
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("unable to decode record"))
	}
	return &Record{
		UserID:       s.UserID,
		Service:      s.Service,
		AccessToken:  oidc.AccessToken(s.AccessToken),
		RefreshToken: oidc.RefreshToken(s.RefreshToken),
		Expiry:       s.Expiry,
	}, nil
}

// FetchValid returns an unexpired access token for (userID, service). An
// expired record with a refresh token is refreshed once and overwritten. When
// the refresh fails the stale record is left in place.
func (v *Vault) FetchValid(ctx context.Context, userID, service string) (string, error) {
	const op = "Vault.FetchValid"
	rec, err := v.Lookup(ctx, userID, service)
	if err != nil {
		return "", errs.Wrap(err, kindOf(err), errs.WithOp(op))
	}

	tk := &oidc.Token{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken, Expiry: rec.Expiry}
	if !tk.Expired(oidc.WithNow(v.nowFunc)) {
		return string(rec.AccessToken), nil
	}

	if rec.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultSkipped).Inc()
		return "", errs.New(errs.ErrExpiredToken, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("%s token for user %s expired and has no refresh token", service, userID)))
	}

	refreshed, err := v.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultFailure).Inc()
		return "", errs.Wrap(err, errs.ErrProvider, errs.WithOp(op), errs.WithMsg("refresh failed"))
	}
	metrics.TokenRefreshes.WithLabelValues(metrics.ResultSuccess).Inc()

	next := Record{
		UserID:       userID,
		Service:      service,
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		Expiry:       refreshed.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = rec.RefreshToken
	}
	if err := v.put(ctx, op, next); err != nil {
		// the caller still gets a usable token; the next fetch refreshes again
		v.logger.Warn("unable to store refreshed token", "op", op, "service", service, "user_id", userID, "error", err)
	}
	return string(next.AccessToken), nil
}

// Delete removes the record for (userID, service).
func (v *Vault) Delete(ctx context.Context, userID, service string) error {
	const op = "Vault.Delete"
	if err := v.cache.Delete(ctx, Key(userID, service)); err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return nil
}

func (v *Vault) put(ctx context.Context, op string, r Record) error {
	payload, err := json.Marshal(storedRecord{
		UserID:       r.UserID,
		Service:      r.Service,
		AccessToken:  string(r.AccessToken),
		RefreshToken: string(r.RefreshToken),
		Expiry:       r.Expiry,
	})
	if err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op), errs.WithMsg("unable to encode record"))
	}
	if err := v.cache.Set(ctx, Key(r.UserID, r.Service), string(payload), cache.NoExpiration); err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return nil
}

func kindOf(err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrNotFound
	}
	return errs.ErrStorage
}
