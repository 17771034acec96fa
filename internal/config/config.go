// Package config loads API credentials and runtime settings.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/viper"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/ratelimit"
)

const DefaultCredentialPath = "credentials/twitter_config.json"

// Credentials holds OAuth 1.0a user tokens and an optional app-only bearer
// token.
type Credentials struct {
	APIKey            string `env:"TWITTER_API_KEY" mapstructure:"api_key"`
	APISecret         string `env:"TWITTER_API_SECRET" mapstructure:"api_secret"`
	AccessToken       string `env:"TWITTER_ACCESS_TOKEN" mapstructure:"access_token"`
	AccessTokenSecret string `env:"TWITTER_ACCESS_TOKEN_SECRET" mapstructure:"access_token_secret"`
	BearerToken       string `env:"TWITTER_BEARER_TOKEN" mapstructure:"bearer_token"`
}

func (c Credentials) IsEmpty() bool {
	return c == Credentials{}
}

// Merge returns c overlaid with the non-empty values of other.
func (c Credentials) Merge(other Credentials) Credentials {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	return Credentials{
		APIKey:            pick(c.APIKey, other.APIKey),
		APISecret:         pick(c.APISecret, other.APISecret),
		AccessToken:       pick(c.AccessToken, other.AccessToken),
		AccessTokenSecret: pick(c.AccessTokenSecret, other.AccessTokenSecret),
		BearerToken:       pick(c.BearerToken, other.BearerToken),
	}
}

// Validate checks that user-context signing is possible.
func (c Credentials) Validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return &apierror.ConfigurationError{Message: "API key and secret are required"}
	}
	if c.AccessToken == "" || c.AccessTokenSecret == "" {
		return &apierror.ConfigurationError{Message: "access token and secret are required"}
	}
	return nil
}

func (c Credentials) toMap() map[string]string {
	m := map[string]string{}
	for k, v := range map[string]string{
		"api_key":             c.APIKey,
		"api_secret":          c.APISecret,
		"access_token":        c.AccessToken,
		"access_token_secret": c.AccessTokenSecret,
		"bearer_token":        c.BearerToken,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

type Source string

const (
	SourceEnv  Source = "env"
	SourceFile Source = "file"
)

// Manager reads credentials from the environment and a JSON file.
type Manager struct {
	Path string

	// EnvFiles are loaded into the process environment before it is read.
	// Missing files are skipped.
	EnvFiles []string

	// Lookuper replaces the process environment when set.
	Lookuper envconfig.Lookuper
}

func NewManager(path string) *Manager {
	if path == "" {
		path = DefaultCredentialPath
	}
	return &Manager{Path: path, EnvFiles: []string{".env"}}
}

// LoadCredentials returns the first non-empty credential set from the given
// sources, env then file by default.
func (m *Manager) LoadCredentials(ctx context.Context, priority ...Source) (Credentials, error) {
	if len(priority) == 0 {
		priority = []Source{SourceEnv, SourceFile}
	}
	for _, src := range priority {
		var (
			c   Credentials
			err error
		)
		switch src {
		case SourceEnv:
			c, err = m.loadEnv(ctx)
		case SourceFile:
			c, err = m.loadFile()
		default:
			return Credentials{}, fmt.Errorf("unknown credential source %q", src)
		}
		if err != nil {
			return Credentials{}, err
		}
		if !c.IsEmpty() {
			return c, nil
		}
	}
	return Credentials{}, &apierror.ConfigurationError{Message: "X API credentials are not configured"}
}

// SaveCredentials writes c merged over the existing file, readable by the
// owner only.
func (m *Manager) SaveCredentials(c Credentials) error {
	existing, err := m.loadFile()
	if err != nil {
		return err
	}
	merged := existing.Merge(c)

	if err := os.MkdirAll(filepath.Dir(m.Path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	v := viper.New()
	v.SetConfigType("json")
	for k, val := range merged.toMap() {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(m.Path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Chmod(m.Path, 0o600)
}

func (m *Manager) loadEnv(ctx context.Context) (Credentials, error) {
	l := m.Lookuper
	if l == nil {
		for _, f := range m.EnvFiles {
			if _, err := os.Stat(f); err == nil {
				_ = godotenv.Load(f)
			}
		}
		l = envconfig.OsLookuper()
	}
	var c Credentials
	if err := envconfig.ProcessWith(ctx, &c, l); err != nil {
		return Credentials{}, fmt.Errorf("parsing env vars: %w", err)
	}
	return c, nil
}

func (m *Manager) loadFile() (Credentials, error) {
	if _, err := os.Stat(m.Path); errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, nil
	}
	v := viper.New()
	v.SetConfigFile(m.Path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Credentials{}, &apierror.ConfigurationError{
			Message: fmt.Sprintf("credential file %s is not a JSON object: %v", m.Path, err),
		}
	}
	var c Credentials
	if err := v.Unmarshal(&c); err != nil {
		return Credentials{}, &apierror.ConfigurationError{
			Message: fmt.Sprintf("credential file %s: %v", m.Path, err),
		}
	}
	return c, nil
}

// Settings tunes retries, media polling and threads.
type Settings struct {
	MaxRetries      int           `env:"XCLIENT_MAX_RETRIES,default=3"`
	BaseDelay       time.Duration `env:"XCLIENT_BASE_DELAY,default=1s"`
	ExponentialBase float64       `env:"XCLIENT_EXPONENTIAL_BASE,default=2"`
	MaxDelay        time.Duration `env:"XCLIENT_MAX_DELAY,default=60s"`
	Jitter          bool          `env:"XCLIENT_JITTER,default=true"`

	PollInterval      time.Duration `env:"XCLIENT_MEDIA_POLL_INTERVAL,default=2s"`
	ProcessingTimeout time.Duration `env:"XCLIENT_MEDIA_TIMEOUT,default=60s"`

	ChunkLimit    int           `env:"XCLIENT_CHUNK_LIMIT,default=280"`
	SegmentPause  time.Duration `env:"XCLIENT_SEGMENT_PAUSE,default=0s"`
	SplitStrategy string        `env:"XCLIENT_SPLIT_STRATEGY,default=word"`

	JournalPath string `env:"XCLIENT_JOURNAL"`
	APIBaseURL  string `env:"XCLIENT_API_BASE_URL,default=https://api.twitter.com/2"`
	UploadURL   string `env:"XCLIENT_UPLOAD_URL,default=https://upload.twitter.com/1.1/media/upload.json"`
	DryRun      bool   `env:"DRY_RUN"`
}

// LoadSettings decodes Settings from l, or from the process environment when
// l is nil.
func LoadSettings(ctx context.Context, l envconfig.Lookuper) (Settings, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	var s Settings
	if err := envconfig.ProcessWith(ctx, &s, l); err != nil {
		return Settings{}, fmt.Errorf("parsing env vars: %w", err)
	}
	s.APIBaseURL = strings.TrimRight(s.APIBaseURL, "/")
	return s, nil
}

func (s Settings) RetryConfig() ratelimit.RetryConfig {
	return ratelimit.RetryConfig{
		MaxRetries:      s.MaxRetries,
		BaseDelay:       s.BaseDelay,
		ExponentialBase: s.ExponentialBase,
		MaxDelay:        s.MaxDelay,
		Jitter:          s.Jitter,
	}
}
