package config

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
	withDotEnv      string
	withEnvironment map[string]string
}

func getOpts(opt ...Option) options {
	opts := options{}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithDotEnv loads the .env file at path into the process environment
// before parsing. Variables already set are not overridden and a missing
// file is not an error.
func WithDotEnv(path string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withDotEnv = path
		}
	}
}

// WithEnvironment parses env instead of the process environment.
func WithEnvironment(env map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withEnvironment = env
		}
	}
}
