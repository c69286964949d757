package oidc

import (
	"fmt"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/davidpede/authAzureAD/sdk/id"
)

// DefaultIDLength is the default length for generated IDs, which are used for
// state and nonce parameters during OIDC flows.
const DefaultIDLength = id.DefaultLength

// NewID generates a ID with an optional prefix. The ID generated is suitable
// for a flow's state or nonce.
//
// Supported options: WithPrefix
func NewID(opt ...Option) (string, error) {
	const op = "oidc.NewID"
	opts := getIDOpts(opt...)
	v, err := id.New(opts.withPrefix)
	if err != nil {
		return "", errs.New(errs.ErrProvider, errs.WithOp(op), errs.WithMsg("unable to generate id"), errs.WithWrap(fmt.Errorf("%w: %s", ErrIdGeneratorFailed, err)))
	}
	return v, nil
}

// idOptions is the set of available options.
type idOptions struct {
	withPrefix string
}

// idDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func idDefaults() idOptions {
	return idOptions{}
}

// getConfigOpts gets the defaults and applies the opt overrides passed
// in.
func getIDOpts(opt ...Option) idOptions {
	opts := idDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPrefix provides an optional prefix for an new ID.  When this options is
// provided, NewID will prepend the prefix and an underscore to the new
// identifier.
func WithPrefix(prefix string) Option {
	return func(o interface{}) {
		if o, ok := o.(*idOptions); ok {
			o.withPrefix = prefix
		}
	}
}
