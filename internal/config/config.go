package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// Config holds the full runtime configuration. Values are populated from
// environment-keyed CLI flags at startup and are read-only afterwards;
// operator-tunable parameters live in puzzle state, not here.
type Config struct {
	Server    ServerConfig
	Puzzle    PuzzleConfig
	Turnstile TurnstileConfig
	Webhook   WebhookConfig
	App       AppConfig
}

type ServerConfig struct {
	Port       int
	AdminToken string
}

type PuzzleConfig struct {
	Difficulty    int
	MinDifficulty int
	MaxDifficulty int

	TargetTimeMin int // seconds, lower edge of the solve-time window
	TargetTimeMax int // seconds, upper edge; also the puzzle timeout

	Argon2TimeCost    int
	Argon2MemoryCost  int // KiB
	Argon2Parallelism int

	WorkerCount   int     // recommended client worker count
	MaxNonceSpeed float64 // nonce/s ceiling, 0 disables

	// HMACSecret is the hex-encoded invite-code key. Empty means generate
	// a random 256-bit key at startup.
	HMACSecret string

	// TimeoutConsolation enables minting a best-effort invite code for the
	// strongest recent submitter when a puzzle times out.
	TimeoutConsolation bool
}

type TurnstileConfig struct {
	SiteKey   string
	SecretKey string
	TestMode  bool
}

type WebhookConfig struct {
	URL   string
	Token string
}

type AppConfig struct {
	LogLevel string
	DataDir  string
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Puzzle: PuzzleConfig{
			Difficulty:        12,
			MinDifficulty:     4,
			MaxDifficulty:     24,
			TargetTimeMin:     30,
			TargetTimeMax:     120,
			Argon2TimeCost:    3,
			Argon2MemoryCost:  65536,
			Argon2Parallelism: 1,
			WorkerCount:       1,
			MaxNonceSpeed:     0,
		},
		App: AppConfig{
			LogLevel: "info",
			DataDir:  ".",
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	p := &c.Puzzle
	if p.MinDifficulty < 1 || p.MinDifficulty > 32 {
		return fmt.Errorf("min difficulty %d out of range [1,32]", p.MinDifficulty)
	}
	if p.MaxDifficulty < 1 || p.MaxDifficulty > 32 {
		return fmt.Errorf("max difficulty %d out of range [1,32]", p.MaxDifficulty)
	}
	if p.MinDifficulty > p.MaxDifficulty {
		return fmt.Errorf("min difficulty %d exceeds max %d", p.MinDifficulty, p.MaxDifficulty)
	}
	if p.Difficulty < p.MinDifficulty || p.Difficulty > p.MaxDifficulty {
		return fmt.Errorf("difficulty %d outside [%d,%d]", p.Difficulty, p.MinDifficulty, p.MaxDifficulty)
	}
	if p.TargetTimeMin < 1 {
		return fmt.Errorf("target time min must be at least 1s")
	}
	if p.TargetTimeMin > p.TargetTimeMax {
		return fmt.Errorf("target time min %ds exceeds max %ds", p.TargetTimeMin, p.TargetTimeMax)
	}
	if p.Argon2TimeCost < 1 || p.Argon2TimeCost > 10 {
		return fmt.Errorf("argon2 time cost %d out of range [1,10]", p.Argon2TimeCost)
	}
	if p.Argon2MemoryCost < 1024 || p.Argon2MemoryCost > 1048576 {
		return fmt.Errorf("argon2 memory cost %d KiB out of range [1024,1048576]", p.Argon2MemoryCost)
	}
	if p.Argon2Parallelism < 1 || p.Argon2Parallelism > 8 {
		return fmt.Errorf("argon2 parallelism %d out of range [1,8]", p.Argon2Parallelism)
	}
	if p.WorkerCount < 1 || p.WorkerCount > 32 {
		return fmt.Errorf("worker count %d out of range [1,32]", p.WorkerCount)
	}
	if p.MaxNonceSpeed < 0 {
		return fmt.Errorf("max nonce speed must not be negative")
	}
	if p.HMACSecret != "" {
		key, err := hex.DecodeString(p.HMACSecret)
		if err != nil {
			return fmt.Errorf("hmac secret is not valid hex: %w", err)
		}
		if len(key) < 16 {
			return fmt.Errorf("hmac secret must be at least 128-bit (32 hex chars)")
		}
	}

	if !c.Turnstile.TestMode && (c.Turnstile.SiteKey == "" || c.Turnstile.SecretKey == "") {
		return fmt.Errorf("turnstile site and secret keys are required unless test mode is enabled")
	}
	return nil
}

// HMACKey decodes the configured invite-code key, or returns nil when the
// key should be generated randomly at startup.
func (c *Config) HMACKey() []byte {
	if c.Puzzle.HMACSecret == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Puzzle.HMACSecret)
	if err != nil {
		return nil
	}
	return key
}

func (c *Config) LogDir() string {
	return filepath.Join(c.App.DataDir, "log")
}

func (c *Config) AuditPath() string {
	return filepath.Join(c.App.DataDir, "verify.json")
}

func (c *Config) BlacklistPath() string {
	return filepath.Join(c.App.DataDir, "blacklist.json")
}
