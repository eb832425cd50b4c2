package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultCapacity      = 15
	DefaultCodeMin       = 6
	DefaultCodeMax       = 10
	DefaultRateMax       = 5
	DefaultRateWindow    = 10 * time.Second
	DefaultAdminMaxFails = 5
	DefaultAdminLockout  = 10 * time.Minute
	MinAdminLockout      = 10 * time.Second
)

var DefaultAdminAllowlist = []string{"127.0.0.1", "::1", "::ffff:127.0.0.1"}

type Config struct {
	ServerAddr     string
	DBDriver       string
	DatabaseDSN    string
	IdentitySecret []byte
	SigningKey     []byte
	AllowedOrigins []string

	RoomCapacity    int
	CodeMinLen      int
	CodeMaxLen      int
	ProfanityFilter bool
	RateMax         int
	RateWindow      time.Duration

	// An empty allowlist admits every address.
	AdminAllowlist []string
	AdminMaxFails  int
	AdminLockout   time.Duration
	TrustProxy     bool

	Debug bool
}

type Option func(*Config)

func WithCapacity(n int) Option {
	return func(c *Config) { c.RoomCapacity = n }
}

func WithCodeLength(min, max int) Option {
	return func(c *Config) { c.CodeMinLen, c.CodeMaxLen = min, max }
}

func WithProfanityFilter(enabled bool) Option {
	return func(c *Config) { c.ProfanityFilter = enabled }
}

func WithRateLimit(max int, window time.Duration) Option {
	return func(c *Config) { c.RateMax, c.RateWindow = max, window }
}

// WithAdmin configures moderator access. maxFails is raised to at least one
// and lockout to at least MinAdminLockout.
func WithAdmin(allowlist []string, maxFails int, lockout time.Duration) Option {
	return func(c *Config) {
		c.AdminAllowlist = allowlist
		c.AdminMaxFails = max(1, maxFails)
		c.AdminLockout = max(MinAdminLockout, lockout)
	}
}

func WithTrustProxy(trust bool) Option {
	return func(c *Config) { c.TrustProxy = trust }
}

func WithDebug(debug bool) Option {
	return func(c *Config) { c.Debug = debug }
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, dbDriver, databaseDSN, identitySecret, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	switch dbDriver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dbDriver)
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if identitySecret == "" {
		return nil, fmt.Errorf("identity secret cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:     serverAddr,
		DBDriver:       dbDriver,
		DatabaseDSN:    databaseDSN,
		IdentitySecret: []byte(identitySecret),
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		RoomCapacity:   DefaultCapacity,
		CodeMinLen:     DefaultCodeMin,
		CodeMaxLen:     DefaultCodeMax,
		RateMax:        DefaultRateMax,
		RateWindow:     DefaultRateWindow,
		AdminAllowlist: DefaultAdminAllowlist,
		AdminMaxFails:  DefaultAdminMaxFails,
		AdminLockout:   DefaultAdminLockout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.RoomCapacity < 1 {
		return nil, fmt.Errorf("room capacity must be at least 1, got %d", cfg.RoomCapacity)
	}
	if cfg.CodeMinLen < 1 || cfg.CodeMaxLen < cfg.CodeMinLen {
		return nil, fmt.Errorf("invalid room code length bounds %d..%d", cfg.CodeMinLen, cfg.CodeMaxLen)
	}
	if cfg.RateMax < 1 || cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", cfg.RateMax, cfg.RateWindow)
	}

	return cfg, nil
}
