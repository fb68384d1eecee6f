package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/guardian/internal/auth"
	"github.com/starford/guardian/internal/canvas"
	"github.com/starford/guardian/internal/store"
)

// Draft storage backends.
const (
	DraftsFS    = "fs"
	DraftsRedis = "redis"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Database DatabaseConfig    `yaml:"database"`
	Drafts   DraftsConfig      `yaml:"drafts"`
	Auth     AuthConfig        `yaml:"auth"`
	Canvas   CanvasConfig      `yaml:"canvas"`
	Inbox    InboxConfig       `yaml:"inbox"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Drafts.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Canvas.Validate(); err != nil {
		return err
	}
	return c.Inbox.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
	// GraphThrottle is the minimum gap between graph.updated events per user.
	GraphThrottle time.Duration `yaml:"graph_throttle"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.GraphThrottle, validation.Min(time.Duration(0))),
	)
}

// DatabaseConfig selects the durable node store. Driver is "sqlite3" with a
// file path as DSN, or "pgx" with a PostgreSQL connection string.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(store.DriverSQLite, store.DriverPostgres)),
		validation.Field(&c.DSN, validation.Required),
	)
}

// DraftsConfig selects where in-memory drafts are persisted between
// requests and restarts.
type DraftsConfig struct {
	Backend  string        `yaml:"backend"`
	Dir      string        `yaml:"dir"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// Validate validates the drafts configuration.
func (c *DraftsConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = DraftsFS
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.In(DraftsFS, DraftsRedis)),
		validation.Field(&c.Dir, validation.When(c.Backend == DraftsFS, validation.Required)),
		validation.Field(&c.RedisURL, validation.When(c.Backend == DraftsRedis, validation.Required)),
		validation.Field(&c.TTL, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): every request acts as UserID, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty and
//     callers act as UserID.
//   - "supabase": tokens are verified against Supabase Auth.
type AuthConfig struct {
	Mode     string         `yaml:"mode"`
	Token    string         `yaml:"token"`
	UserID   string         `yaml:"user_id"`
	Supabase SupabaseConfig `yaml:"supabase"`
}

// SupabaseConfig holds the Supabase project used to verify tokens.
type SupabaseConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
	// Timeout bounds each token lookup.
	Timeout time.Duration `yaml:"timeout"`
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = auth.ModeDisabled
	}
	if c.UserID == "" {
		c.UserID = "local"
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(auth.ModeDisabled, auth.ModeToken, auth.ModeSupabase)),
	); err != nil {
		return err
	}
	switch c.Mode {
	case auth.ModeToken:
		if c.Token == "" {
			return fmt.Errorf("auth: mode is %q but token is empty", auth.ModeToken)
		}
	case auth.ModeSupabase:
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("auth: mode is %q but supabase url or key is empty", auth.ModeSupabase)
		}
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode != auth.ModeDisabled
}

// CanvasConfig holds the interactive resize limits.
type CanvasConfig struct {
	MinWidth  float64       `yaml:"min_width"`
	MinHeight float64       `yaml:"min_height"`
	Throttle  time.Duration `yaml:"throttle"`
}

// Floor returns the minimum box size.
func (c *CanvasConfig) Floor() canvas.Size {
	return canvas.Size{Width: c.MinWidth, Height: c.MinHeight}
}

// Validate validates the canvas configuration.
func (c *CanvasConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MinWidth, validation.Min(0.0)),
		validation.Field(&c.MinHeight, validation.Min(0.0)),
		validation.Field(&c.Throttle, validation.Min(time.Duration(0))),
	)
}

// InboxConfig holds the snapshot drop directory.
type InboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Validate validates the inbox configuration.
func (c *InboxConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.When(c.Enabled, validation.Required)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:          8080,
				GraphThrottle: 2 * time.Second,
			},
		},
		Database: DatabaseConfig{
			Driver: store.DriverSQLite,
			DSN:    "./guardian.db",
		},
		Drafts: DraftsConfig{
			Backend: DraftsFS,
			Dir:     "./drafts",
			TTL:     7 * 24 * time.Hour,
		},
		Auth: AuthConfig{
			Mode:   auth.ModeDisabled,
			UserID: "local",
			Supabase: SupabaseConfig{
				Timeout:        5 * time.Second,
				BreakerTimeout: 30 * time.Second,
			},
		},
		Canvas: CanvasConfig{
			MinWidth:  canvas.DefaultMin.Width,
			MinHeight: canvas.DefaultMin.Height,
			Throttle:  canvas.DefaultWindow,
		},
		Inbox: InboxConfig{
			Dir: "./inbox",
		},
	}
}
