package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Directions
	EnableJ2M bool `env:"ENABLE_J2M" default:"true"`
	EnableM2J bool `env:"ENABLE_M2J" default:"true"`

	// JS8Call control socket
	JS8Mode     string `env:"JS8_MODE" default:"tcp"` // tcp or udp
	JS8Host     string `env:"JS8_HOST" default:"127.0.0.1"`
	JS8Port     int    `env:"JS8_PORT" default:"2442"`
	JS8SendHost string `env:"JS8_SEND_HOST"` // defaults to JS8_HOST
	JS8SendPort int    `env:"JS8_SEND_PORT"` // defaults to JS8_PORT

	HeartbeatInterval time.Duration `env:"JS8_HEARTBEAT" default:"30s"` // 0 disables
	SendRetries       int           `env:"SEND_RETRIES" default:"3"`

	// Meshtastic device
	MeshHost string `env:"MESH_HOST" required:"true"` // IP[:PORT], port defaults to 4403

	// Routing (JS8 -> mesh)
	RouteNode []string `env:"ROUTE_NODE"` // repeatable TAG=ShortName|!Id
	RouteChan []string `env:"ROUTE_CHAN"` // repeatable TAG=ChannelName|Index
	OnlyTag   string   `env:"ONLY_TAG"`
	StripTag  bool     `env:"STRIP_TAG" default:"false"`

	DestID        string `env:"DEST_ID"`
	DestShortName string `env:"DEST_SHORTNAME"`
	ChannelIndex  int    `env:"CHANNEL_INDEX" default:"-1"`
	ChannelName   string `env:"CHANNEL_NAME"`

	Prefix     string        `env:"J2M_PREFIX" default:"[JS8]"`
	WantAck    bool          `env:"WANT_ACK" default:"false"`
	AckTimeout time.Duration `env:"ACK_TIMEOUT" default:"30s"`

	// Mesh -> JS8
	M2JTo        string   `env:"M2J_TO" default:"@ALLCALL"`
	M2JPrefix    string   `env:"M2J_PREFIX" default:"[mesh] "`
	M2JMaxLen    int      `env:"M2J_MAXLEN" default:"200"`
	M2JAllowSelf bool     `env:"M2J_ALLOW_SELF" default:"false"`
	M2JOnlyFrom  []string `env:"M2J_ONLY_FROM"` // !NodeId, hex suffix, or ShortName
	M2JEscapeAt  bool     `env:"M2J_ESCAPE_AT" default:"false"`

	DedupWindow int `env:"DEDUP_WINDOW" default:"20"` // 0 disables the filter

	// Status endpoint
	StatusAddr string `env:"STATUS_ADDR"` // empty disables

	// Development
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// A missing .env file is fine; system env vars still apply.
	_ = godotenv.Load(".env")

	config := &Config{}

	if err := loadEnvBool(&config.EnableJ2M, "ENABLE_J2M", true); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.EnableM2J, "ENABLE_M2J", true); err != nil {
		return nil, err
	}

	if err := loadEnvString(&config.JS8Mode, "JS8_MODE", "tcp"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.JS8Host, "JS8_HOST", "127.0.0.1"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.JS8Port, "JS8_PORT", 2442); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.JS8SendHost, "JS8_SEND_HOST", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.JS8SendPort, "JS8_SEND_PORT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.HeartbeatInterval, "JS8_HEARTBEAT", 30*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.SendRetries, "SEND_RETRIES", 3); err != nil {
		return nil, err
	}

	if err := loadEnvString(&config.MeshHost, "MESH_HOST", ""); err != nil {
		return nil, err
	}

	if err := loadEnvStringSlice(&config.RouteNode, "ROUTE_NODE", nil); err != nil {
		return nil, err
	}
	if err := loadEnvStringSlice(&config.RouteChan, "ROUTE_CHAN", nil); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.OnlyTag, "ONLY_TAG", ""); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.StripTag, "STRIP_TAG", false); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.DestID, "DEST_ID", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.DestShortName, "DEST_SHORTNAME", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.ChannelIndex, "CHANNEL_INDEX", -1); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ChannelName, "CHANNEL_NAME", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.Prefix, "J2M_PREFIX", "[JS8]"); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.WantAck, "WANT_ACK", false); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.AckTimeout, "ACK_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	if err := loadEnvString(&config.M2JTo, "M2J_TO", "@ALLCALL"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.M2JPrefix, "M2J_PREFIX", "[mesh] "); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.M2JMaxLen, "M2J_MAXLEN", 200); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.M2JAllowSelf, "M2J_ALLOW_SELF", false); err != nil {
		return nil, err
	}
	if err := loadEnvStringSlice(&config.M2JOnlyFrom, "M2J_ONLY_FROM", nil); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.M2JEscapeAt, "M2J_ESCAPE_AT", false); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.DedupWindow, "DEDUP_WINDOW", 20); err != nil {
		return nil, err
	}

	if err := loadEnvString(&config.StatusAddr, "STATUS_ADDR", ""); err != nil {
		return nil, err
	}

	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", "text"); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	if c.JS8Mode != "tcp" && c.JS8Mode != "udp" {
		errors = append(errors, "JS8_MODE must be tcp or udp")
	}
	if c.JS8Port < 1 || c.JS8Port > 65535 {
		errors = append(errors, "JS8_PORT must be between 1 and 65535")
	}
	if c.JS8SendPort != 0 && (c.JS8SendPort < 1 || c.JS8SendPort > 65535) {
		errors = append(errors, "JS8_SEND_PORT must be between 1 and 65535")
	}
	if c.MeshHost == "" {
		errors = append(errors, "MESH_HOST is required (IP[:PORT] of the Meshtastic device)")
	}
	if c.SendRetries < 1 {
		errors = append(errors, "SEND_RETRIES must be at least 1")
	}
	if c.AckTimeout <= 0 {
		errors = append(errors, "ACK_TIMEOUT must be positive")
	}
	if c.M2JMaxLen < 0 {
		errors = append(errors, "M2J_MAXLEN must not be negative")
	}
	if c.DedupWindow < 0 {
		errors = append(errors, "DEDUP_WINDOW must not be negative")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// SendAddr returns the host:port of the JS8Call sender socket, falling back
// to the listener address when no dedicated sender endpoint is configured.
func (c *Config) SendAddr() string {
	host := c.JS8SendHost
	if host == "" {
		host = c.JS8Host
	}
	port := c.JS8SendPort
	if port == 0 {
		port = c.JS8Port
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ListenAddr returns the host:port of the JS8Call listener socket.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.JS8Host, c.JS8Port)
}

// MeshAddr returns the Meshtastic device address with the default API port
// applied when none was given.
func (c *Config) MeshAddr() string {
	if strings.Contains(c.MeshHost, ":") {
		return c.MeshHost
	}
	return c.MeshHost + ":4403"
}

// ParseRoutes turns repeatable TAG=value rules into a routing table. Tags are
// lower-cased; invalid items are reported back so the caller can log them.
func ParseRoutes(items []string) (map[string][]string, []string) {
	out := make(map[string][]string)
	var invalid []string
	for _, item := range items {
		tag, value, found := strings.Cut(item, "=")
		if !found {
			invalid = append(invalid, item)
			continue
		}
		tag = strings.ToLower(strings.TrimSpace(tag))
		value = strings.TrimSpace(value)
		if tag == "" || value == "" {
			invalid = append(invalid, item)
			continue
		}
		out[tag] = append(out[tag], value)
	}
	return out, invalid
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringSlice(target *[]string, key string, defaultValue []string) error {
	if value := os.Getenv(key); value != "" {
		*target = strings.Split(value, ",")
		for i, v := range *target {
			(*target)[i] = strings.TrimSpace(v)
		}
	} else {
		*target = defaultValue
	}
	return nil
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
