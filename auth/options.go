package auth

import (
	"time"

	"github.com/davidpede/authAzureAD/cache"
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
	withLogger           hclog.Logger
	withConsumedStates   cache.Client
	withConsumedStateTTL time.Duration
}

func getDefaultOptions() options {
	return options{
		withLogger:           hclog.NewNullLogger(),
		withConsumedStateTTL: DefaultConsumedStateTTL,
	}
}

func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithConsumedStates provides the cache spent states are recorded in. It
// must be shared by every instance serving callbacks. Defaults to an
// in-process memory cache.
func WithConsumedStates(c cache.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && c != nil {
			o.withConsumedStates = c
		}
	}
}

// WithConsumedStateTTL sets how long a spent state is remembered. It should
// not be shorter than the session lifetime.
func WithConsumedStateTTL(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && d > 0 {
			o.withConsumedStateTTL = d
		}
	}
}
