// Package config loads the service configuration from the environment, an
// optional .env file and an optional service scopes file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AUTHAZURE_"

const wellKnownSuffix = "/.well-known/openid-configuration"

// Session store kinds.
const (
	SessionStoreCookie = "cookie"
	SessionStoreCache  = "cache"
)

// Config is the complete service configuration.
type Config struct {
	// Provider registration.
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`
	// MetadataURL is the provider's openid-configuration document, or its
	// issuer URL.
	MetadataURL    string   `env:"METADATA_URL"`
	Scopes         []string `env:"SCOPES" envSeparator:"," envDefault:"profile,email,offline_access,User.Read"`
	ProviderCAFile string   `env:"PROVIDER_CA_FILE"`
	SigningAlgs    []string `env:"SIGNING_ALGS" envSeparator:"," envDefault:"RS256"`

	// Site.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	SiteURL    string `env:"SITE_URL"`
	FailureURL string `env:"FAILURE_URL"`

	// Users.
	DefaultGroups   []string `env:"DEFAULT_GROUPS" envSeparator:","`
	ProtectedGroups []string `env:"PROTECTED_GROUPS" envSeparator:","`
	// GroupSyncParent is the parent group provider groups are synchronized
	// under. Empty turns group sync off.
	GroupSyncParent string `env:"GROUP_SYNC_PARENT"`
	RememberMe      bool   `env:"REMEMBER_ME"`
	LoginContext    string `env:"LOGIN_CONTEXT" envDefault:"web"`
	DatabaseURL     string `env:"DATABASE_URL"`

	// Provider resource APIs.
	ProfileURL string `env:"PROFILE_URL" envDefault:"https://graph.microsoft.com/beta/me"`
	GroupsURL  string `env:"GROUPS_URL" envDefault:"https://graph.microsoft.com/v1.0/me/memberOf?$select=displayName"`
	PhotoURL   string `env:"PHOTO_URL" envDefault:"https://graph.microsoft.com/beta/me/photo/$value"`

	// Profile photos.
	PhotoDir       string `env:"PHOTO_DIR" envDefault:"assets/photos"`
	PhotoURLPrefix string `env:"PHOTO_URL_PREFIX" envDefault:"/assets/photos/"`

	// Downstream services. ServiceScopes is read from ServiceScopesFile
	// and the inline SERVICE_SCOPES document, both YAML or JSON maps of
	// service name to scopes.
	ServiceScopesFile   string              `env:"SERVICE_SCOPES_FILE"`
	ServiceScopesInline string              `env:"SERVICE_SCOPES"`
	ServiceScopes       map[string][]string

	// Sessions and cache.
	SessionSecret   string `env:"SESSION_SECRET"`
	SessionStore    string `env:"SESSION_STORE" envDefault:"cookie"`
	InsecureCookies bool   `env:"INSECURE_COOKIES"`
	CacheDriver     string `env:"CACHE_DRIVER" envDefault:"memory"`
	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB"`

	// Logging.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON"`
}

// Load reads the configuration and validates it.
// Supported options: WithDotEnv, WithEnvironment.
func Load(opt ...Option) (*Config, error) {
	const op = "config.Load"
	opts := getOpts(opt...)
	if opts.withDotEnv != "" {
		if err := godotenv.Load(opts.withDotEnv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithMsg("unable to read "+opts.withDotEnv), errs.WithFatal())
		}
	}
	c := &Config{}
	envOpts := env.Options{Prefix: EnvPrefix}
	if opts.withEnvironment != nil {
		envOpts.Environment = opts.withEnvironment
	}
	if err := env.ParseWithOptions(c, envOpts); err != nil {
		return nil, errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithFatal())
	}
	scopes, err := loadServiceScopes(c.ServiceScopesFile, c.ServiceScopesInline)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithFatal())
	}
	c.ServiceScopes = scopes
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadServiceScopes merges the file and inline documents; inline entries
// win.
func loadServiceScopes(file, inline string) (map[string][]string, error) {
	scopes := map[string][]string{}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("unable to read service scopes: %w", err)
		}
		if err := yaml.Unmarshal(raw, &scopes); err != nil {
			return nil, fmt.Errorf("invalid service scopes in %s: %w", file, err)
		}
	}
	if strings.TrimSpace(inline) != "" {
		m := map[string][]string{}
		if err := yaml.Unmarshal([]byte(inline), &m); err != nil {
			return nil, fmt.Errorf("invalid inline service scopes: %w", err)
		}
		for k, v := range m {
			scopes[k] = v
		}
	}
	return scopes, nil
}

// Validate reports every missing or invalid setting.
func (c *Config) Validate() error {
	const op = "config.(Config).Validate"
	var result *multierror.Error
	required := []struct{ name, value string }{
		{"CLIENT_ID", c.ClientID},
		{"CLIENT_SECRET", c.ClientSecret},
		{"REDIRECT_URL", c.RedirectURL},
		{"METADATA_URL", c.MetadataURL},
		{"SITE_URL", c.SiteURL},
		{"SESSION_SECRET", c.SessionSecret},
		{"PROFILE_URL", c.ProfileURL},
	}
	for _, r := range required {
		if r.value == "" {
			result = multierror.Append(result, fmt.Errorf("%s%s is required", EnvPrefix, r.name))
		}
	}
	for _, u := range []struct{ name, value string }{
		{"REDIRECT_URL", c.RedirectURL},
		{"METADATA_URL", c.MetadataURL},
		{"SITE_URL", c.SiteURL},
	} {
		if u.value == "" {
			continue
		}
		if parsed, err := url.Parse(u.value); err != nil || !parsed.IsAbs() {
			result = multierror.Append(result, fmt.Errorf("%s%s must be an absolute URL", EnvPrefix, u.name))
		}
	}
	if c.SiteURL != "" && !strings.HasSuffix(c.SiteURL, "/") {
		result = multierror.Append(result, fmt.Errorf("%sSITE_URL must end with a slash", EnvPrefix))
	}
	if c.GroupSyncParent != "" && c.GroupsURL == "" {
		result = multierror.Append(result, fmt.Errorf("%sGROUPS_URL is required when group sync is on", EnvPrefix))
	}
	switch c.SessionStore {
	case SessionStoreCookie, SessionStoreCache:
	default:
		result = multierror.Append(result, fmt.Errorf("%sSESSION_STORE must be %q or %q", EnvPrefix, SessionStoreCookie, SessionStoreCache))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("%sLOG_LEVEL %q is not a log level", EnvPrefix, c.LogLevel))
	}
	for service, scopes := range c.ServiceScopes {
		if len(scopes) == 0 {
			result = multierror.Append(result, fmt.Errorf("service %q has no scopes", service))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithFatal())
	}
	return nil
}

// Issuer is the issuer URL derived from MetadataURL.
func (c *Config) Issuer() string {
	return strings.TrimSuffix(c.MetadataURL, wellKnownSuffix)
}

// ProviderCA returns the PEM contents of ProviderCAFile, or an empty string
// when none is configured.
func (c *Config) ProviderCA() (string, error) {
	const op = "config.(Config).ProviderCA"
	if c.ProviderCAFile == "" {
		return "", nil
	}
	pem, err := os.ReadFile(c.ProviderCAFile)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithFatal())
	}
	return string(pem), nil
}

// Logger returns the root logger for the configured level and format.
func (c *Config) Logger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "authazure",
		Level:      hclog.LevelFromString(c.LogLevel),
		JSONFormat: c.LogJSON,
	})
}
