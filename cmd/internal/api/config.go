package api

import (
	"time"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/internal/envcfg"
)

// Config controls HTTP query surface behavior.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// AllowedOrigins feeds CORS. Empty means same-origin only.
	AllowedOrigins []string

	// Per-IP token bucket.
	RateRPS   float64
	RateBurst int
	RateTTL   time.Duration
}

// DefaultConfig returns the defaults used by LoadConfigFromEnv.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 64 << 10,
		RateRPS:      20,
		RateBurst:    40,
		RateTTL:      10 * time.Minute,
	}
}

// LoadConfigFromEnv loads API config from CHAT_API_* environment variables.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:     envcfg.Bool("CHAT_API_TRUST_PROXY", def.TrustProxy),
		MaxBodyBytes:   envcfg.Int64("CHAT_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		AllowedOrigins: envcfg.List("CHAT_API_ALLOWED_ORIGINS", ""),
		RateRPS:        envcfg.Float("CHAT_API_RATE_RPS", def.RateRPS),
		RateBurst:      envcfg.Int("CHAT_API_RATE_BURST", def.RateBurst),
		RateTTL:        envcfg.Duration("CHAT_API_RATE_TTL", def.RateTTL),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.RateRPS <= 0 {
		c.RateRPS = def.RateRPS
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.RateTTL <= 0 {
		c.RateTTL = def.RateTTL
	}
	return c
}
