// Package session stores per-browser values between the two legs of the
// login flow and for the lifetime of the local login.
//
// A Session is loaded once at request entry and committed once at request
// exit. Values are strings.
package session

import (
	"net/http"
)

// DefaultName is the default session cookie name.
const DefaultName = "authazure"

// Session is a set of values bound to one browser.
type Session interface {
	// Get returns the value stored under key.
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	// Clear deletes every value and renews the session.
	Clear()
	// Renew issues the session a fresh id on Commit, keeping its values.
	// The old id stops resolving. Stores without a server side id ignore it.
	Renew()
	// Commit persists the session and writes its cookie. It must be called
	// before anything else is written to the response.
	Commit() error
}

// Store loads the session of a request.
type Store interface {
	Load(w http.ResponseWriter, r *http.Request) (Session, error)
}

// values is the in-memory value set shared by both stores.
type values map[string]string

func (v values) Get(key string) (string, bool) {
	s, ok := v[key]
	return s, ok
}

func (v values) Set(key, value string) { v[key] = value }

func (v values) Delete(key string) { delete(v, key) }

func (v values) Clear() {
	for k := range v {
		delete(v, k)
	}
}
