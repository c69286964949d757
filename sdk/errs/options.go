package errs

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
	withOp    string
	withMsg   string
	withWrap  error
	withFatal bool
}

func getOpts(opt ...Option) options {
	opts := options{}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithOp provides an optional operation name.
func WithOp(op string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withOp = op
		}
	}
}

// WithMsg provides an optional message.
func WithMsg(msg string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withMsg = msg
		}
	}
}

// WithWrap provides an optional wrapped cause.
func WithWrap(err error) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withWrap = err
		}
	}
}

// WithFatal flags the error as fatal.
func WithFatal() Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withFatal = true
		}
	}
}
