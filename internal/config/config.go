package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Supported recognizer backends
const (
	BackendMock   = "mock"
	BackendGoogle = "google"
)

// Config holds the gateway and client configuration
type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	ASR     ASRConfig
	Gateway GatewayConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr     string
	LogLevel string
}

// AuthConfig holds stream token settings
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	APIKey    string // enables the token endpoint when set
}

// ASRConfig describes the recognition stream, from either side of it
type ASRConfig struct {
	Backend         string
	CredentialsFile string

	URL          string
	Token        string
	Model        string
	SampleRate   int
	Format       string
	Languages    []string
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// GatewayConfig holds stream housekeeping settings
type GatewayConfig struct {
	IdleTimeout time.Duration
}

// Load reads .env if present, then the environment
func Load() (*Config, error) {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults
func FromEnv(getenv func(string) string) (*Config, error) {
	var errs []error
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}
	duration := func(key string, fallback time.Duration) time.Duration {
		v := get(key, "")
		if v == "" {
			return fallback
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return fallback
		}
		return d
	}
	integer := func(key string, fallback int) int {
		v := get(key, "")
		if v == "" {
			return fallback
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return fallback
		}
		return n
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:     get("HTTP_ADDR", ":8080"),
			LogLevel: get("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret: get("JWT_SECRET", ""),
			TokenTTL:  duration("JWT_TTL", 24*time.Hour),
			APIKey:    get("TOKEN_API_KEY", ""),
		},
		ASR: ASRConfig{
			Backend:         strings.ToLower(get("ASR_BACKEND", BackendMock)),
			CredentialsFile: get("GOOGLE_APPLICATION_CREDENTIALS", ""),
			URL:             get("ASR_URL", "ws://localhost:8080/ws/asr"),
			Token:           get("ASR_TOKEN", ""),
			Model:           get("ASR_MODEL", "paraformer-realtime-v2"),
			SampleRate:      integer("ASR_SAMPLE_RATE", 16000),
			Format:          get("ASR_FORMAT", "pcm"),
			Languages:       splitList(get("ASR_LANGUAGES", "zh,en")),
			StartTimeout:    duration("ASR_START_TIMEOUT", 15*time.Second),
			StopTimeout:     duration("ASR_STOP_TIMEOUT", 5*time.Second),
		},
		Gateway: GatewayConfig{
			IdleTimeout: duration("STREAM_IDLE_TIMEOUT", 2*time.Minute),
		},
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// ValidateGateway checks the settings the gateway server needs
func (c *Config) ValidateGateway() error {
	if c.Server.Addr == "" {
		return errors.New("HTTP_ADDR cannot be empty")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("JWT_TTL must be positive")
	}
	if c.Gateway.IdleTimeout <= 0 {
		return errors.New("STREAM_IDLE_TIMEOUT must be positive")
	}
	switch c.ASR.Backend {
	case BackendMock, BackendGoogle:
	default:
		return fmt.Errorf("unsupported ASR_BACKEND %q", c.ASR.Backend)
	}
	return c.ASR.validateAudio()
}

// ValidateClient checks the settings a streaming client needs
func (c *Config) ValidateClient() error {
	if c.ASR.URL == "" {
		return errors.New("ASR_URL cannot be empty")
	}
	if c.ASR.StartTimeout <= 0 || c.ASR.StopTimeout <= 0 {
		return errors.New("ASR_START_TIMEOUT and ASR_STOP_TIMEOUT must be positive")
	}
	return c.ASR.validateAudio()
}

func (a ASRConfig) validateAudio() error {
	if a.Model == "" {
		return errors.New("ASR_MODEL cannot be empty")
	}
	if a.SampleRate <= 0 {
		return fmt.Errorf("ASR_SAMPLE_RATE must be positive, got %d", a.SampleRate)
	}
	if a.Format == "" {
		return errors.New("ASR_FORMAT cannot be empty")
	}
	if len(a.Languages) == 0 {
		return errors.New("ASR_LANGUAGES cannot be empty")
	}
	return nil
}

// NewLogger builds a production zap logger at the configured level
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Server.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.Server.LogLevel, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
