package session

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

type options struct {
	withName     string
	withPath     string
	withMaxAge   time.Duration
	withSecure   bool
	withSameSite http.SameSite
	withLogger   hclog.Logger
}

// The provider posts the callback form cross-site, so the cookie defaults to
// SameSite=None, which browsers only accept on secure cookies.
func getDefaultOptions() options {
	return options{
		withName:     DefaultName,
		withPath:     "/",
		withMaxAge:   24 * time.Hour,
		withSecure:   true,
		withSameSite: http.SameSiteNoneMode,
		withLogger:   hclog.NewNullLogger(),
	}
}

func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithName provides an optional cookie name.
func WithName(name string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && name != "" {
			o.withName = name
		}
	}
}

// WithPath provides an optional cookie path.
func WithPath(p string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && p != "" {
			o.withPath = p
		}
	}
}

// WithMaxAge provides an optional session lifetime.
func WithMaxAge(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withMaxAge = d
		}
	}
}

// WithInsecure drops the Secure attribute and falls back to SameSite=Lax.
// Only for plain http development servers and tests.
func WithInsecure() Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withSecure = false
			o.withSameSite = http.SameSiteLaxMode
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && l != nil {
			o.withLogger = l
		}
	}
}
