package api

// DefaultAddr is the default listen address.
const DefaultAddr = "127.0.0.1:8433"

// DefaultMaxBodyBytes bounds event submissions.
const DefaultMaxBodyBytes = 64 << 10

// Config holds server configuration.
type Config struct {
	Addr           string   // Listen address
	AllowedOrigins []string // CORS and WebSocket allowed origins (empty = allow all)
	MaxBodyBytes   int64    // Request body limit (0 = DefaultMaxBodyBytes)
	Version        string   // Reported by /health
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         DefaultAddr,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}
