package oidc

import (
	"time"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"golang.org/x/oauth2"
)

// DefaultTokenExpirySkew defines a time skew when checking a Token's
// expiration.
const DefaultTokenExpirySkew = 10 * time.Second

// Token is the result of a token endpoint exchange: an oauth2 access_token
// with its expiry, and optionally a refresh_token and an oidc id_token.
type Token struct {
	AccessToken  AccessToken
	RefreshToken RefreshToken
	IdToken      IdToken
	Expiry       time.Time

	nowFunc func() time.Time
}

// NewToken creates a new Token from an oauth2.Token. The id_token is taken
// from the token response extras when present.
//
// Supported options: WithNow
func NewToken(t *oauth2.Token, opt ...Option) (*Token, error) {
	const op = "NewToken"
	if t == nil {
		return nil, errs.New(errs.ErrInvalidParameter, errs.WithOp(op), errs.WithMsg("oauth2 token is nil"), errs.WithWrap(ErrNilParameter))
	}
	if t.AccessToken == "" {
		return nil, errs.New(errs.ErrProvider, errs.WithOp(op), errs.WithMsg("token response has no access_token"), errs.WithWrap(ErrMissingAccessToken))
	}
	opts := getTokenOpts(opt...)
	tk := &Token{
		AccessToken:  AccessToken(t.AccessToken),
		RefreshToken: RefreshToken(t.RefreshToken),
		Expiry:       t.Expiry,
		nowFunc:      opts.withNowFunc,
	}
	if raw, ok := t.Extra("id_token").(string); ok {
		tk.IdToken = IdToken(raw)
	}
	return tk, nil
}

// Expired will return true if the token is expired. A zero expiry never
// expires. Supports the WithExpirySkew option and if none is provided it will
// use the DefaultTokenExpirySkew.
func (t *Token) Expired(opt ...Option) bool {
	if t == nil {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	opts := getTokenOpts(opt...)
	now := t.now()
	if opts.withNowFunc != nil {
		now = opts.withNowFunc()
	}
	return t.Expiry.Round(0).Before(now.Add(opts.withExpirySkew))
}

// Valid will ensure that the access_token is not empty or expired.
func (t *Token) Valid() bool {
	if t == nil {
		return false
	}
	if t.AccessToken == "" {
		return false
	}
	return !t.Expired()
}

func (t *Token) now() time.Time {
	if t.nowFunc != nil {
		return t.nowFunc()
	}
	return time.Now() // fallback to this default
}

// tokenOptions is the set of available options for Token functions
type tokenOptions struct {
	withExpirySkew time.Duration
	withNowFunc    func() time.Time
}

// tokenDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: DefaultTokenExpirySkew,
	}
}

// getTokenOpts gets the token defaults and applies the opt overrides passed
// in
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
