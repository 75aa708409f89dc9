// Package config loads and validates the client configuration file.
//
// Secrets may be stored encrypted with an "enc:" prefix; they are
// decrypted at load time with AES-256-GCM using a key derived from the
// WHEELHOUSE_CONFIG_KEY passphrase via Argon2id.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"wheelhouse/internal/domain"
)

// Config is the root configuration for the chat client.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Session     SessionConfig     `yaml:"session"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Celebration CelebrationConfig `yaml:"celebration"`
	Cache       CacheConfig       `yaml:"cache"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// ServerConfig describes the agent endpoint the client talks to.
type ServerConfig struct {
	URL            string        `yaml:"url"`
	AuthToken      string        `yaml:"auth_token"` // supports "enc:" values
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding history and task
// fetches against a flapping server.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenFor     time.Duration `yaml:"open_for"`
}

// SessionConfig tunes the streaming session loop.
type SessionConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BusyClear     time.Duration `yaml:"busy_clear"`
	TextIdle      time.Duration `yaml:"text_idle"`
	HintDismiss   time.Duration `yaml:"hint_dismiss"`
	RefreshPerSec float64       `yaml:"refresh_per_sec"`
}

// TasksConfig tunes the task sidebar.
type TasksConfig struct {
	MaxVisible int `yaml:"max_visible"`
}

// CelebrationConfig tunes the celebration trigger engine.
type CelebrationConfig struct {
	Window     time.Duration `yaml:"window"`
	Threshold  int           `yaml:"threshold"`
	MinTasks   int           `yaml:"min_tasks"`
	MiniChance float64       `yaml:"mini_chance"`
}

// CacheConfig controls the local history cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig controls structured logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stderr, stdout, or a file path
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

const passphraseEnv = "WHEELHOUSE_CONFIG_KEY"

// Defaults returns a Config with all tunables set to their defaults.
// Load starts from here so a sparse file only overrides what it names.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "ws://127.0.0.1:8791/ws",
			DialTimeout:    10 * time.Second,
			RequestTimeout: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenFor:     30 * time.Second,
			},
		},
		Session: SessionConfig{
			PollInterval:  2 * time.Second,
			BusyClear:     5 * time.Second,
			TextIdle:      time.Second,
			HintDismiss:   8 * time.Second,
			RefreshPerSec: 2,
		},
		Tasks: TasksConfig{MaxVisible: 10},
		Celebration: CelebrationConfig{
			Window:     2 * time.Second,
			Threshold:  3,
			MinTasks:   4,
			MiniChance: 0.3,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    defaultCachePath(),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: defaultLogPath(),
		},
		Tracer: TracerConfig{Exporter: "noop"},
	}
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "wheelhouse-cache.db"
	}
	return filepath.Join(home, ".wheelhouse", "cache.db")
}

func defaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stderr"
	}
	return filepath.Join(home, ".wheelhouse", "client.log")
}

// Load reads the YAML file at path, layers it over Defaults, applies
// env overrides, decrypts any "enc:" secrets and validates the result.
// A missing file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := checkPermissions(path); err != nil {
			return nil, domain.NewDomainError("config.load", domain.ErrConfigLoad, err.Error())
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.load", domain.ErrConfigLoad, fmt.Sprintf("parse %s: %v", path, err))
		}
	case os.IsNotExist(err):
		// A missing file is not an error; env overrides still apply
		// over the defaults.
	default:
		return nil, domain.NewDomainError("config.load", domain.ErrConfigLoad, err.Error())
	}

	applyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, os.Getenv(passphraseEnv)); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, domain.NewDomainError("config.load", domain.ErrConfigLoad, err.Error())
	}
	return cfg, nil
}

// applyEnvOverrides maps WHEELHOUSE_* env vars onto config fields so a
// server URL or log level can be flipped without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WHEELHOUSE_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("WHEELHOUSE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("WHEELHOUSE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url %q must be a ws:// or wss:// endpoint", c.Server.URL)
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive")
	}
	if c.Tasks.MaxVisible <= 0 {
		return fmt.Errorf("tasks.max_visible must be positive")
	}
	if c.Celebration.MiniChance < 0 || c.Celebration.MiniChance > 1 {
		return fmt.Errorf("celebration.mini_chance must be within [0,1]")
	}
	return nil
}

func decryptSecrets(cfg *Config, passphrase string) error {
	if !strings.HasPrefix(cfg.Server.AuthToken, "enc:") {
		return nil
	}
	if passphrase == "" {
		return domain.NewDomainError("config.decrypt", domain.ErrDecryption,
			fmt.Sprintf("encrypted auth_token but %s is not set", passphraseEnv))
	}
	plain, err := DecryptValue(strings.TrimPrefix(cfg.Server.AuthToken, "enc:"), passphrase)
	if err != nil {
		return domain.NewDomainError("config.decrypt", domain.ErrDecryption, err.Error())
	}
	cfg.Server.AuthToken = plain
	return nil
}

// EncryptValue encrypts a plaintext secret with AES-256-GCM. The
// result is hex(salt) + ":" + hex(nonce||ciphertext), ready to be
// stored in the config file behind an "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// checkPermissions rejects config files readable beyond the owner's
// group, since the file may carry an auth token.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
