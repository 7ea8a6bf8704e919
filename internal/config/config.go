package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/joho/godotenv"
)

const envPrefix = "SOSMESH_"

// Config holds everything a node needs at startup. Values come from
// Default, then a .env file and SOSMESH_* variables, then command-line flags.
type Config struct {
	Nick     string
	Port     int
	WebPort  int
	DataDir  string
	Headless bool

	// Latitude and Longitude are attached to alerts sent from the terminal.
	Latitude  float64
	Longitude float64

	// ArchiveDSN is a SQLite path or a mysql:// DSN. Empty means
	// <DataDir>/sosmesh_<port>.db.
	ArchiveDSN string

	SMSGatewayURL    string
	SMSGatewayToken  string
	EmergencyContact string
	ForwardMesh      bool

	LogFile  string
	LogLevel string

	TTLHops        int
	MaxJitter      time.Duration
	RateLimit      int
	RateWindow     time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMax       time.Duration
	ActiveWindow   time.Duration
	EvictAfter     time.Duration
	BeaconInterval time.Duration
	SeenTTL        time.Duration
	PurgeInterval  time.Duration
	StoreCapacity  int
}

func Default() Config {
	r := relay.DefaultConfig("")
	return Config{
		Nick:           "Anonymous",
		Port:           9000,
		WebPort:        8080,
		DataDir:        ".",
		LogFile:        "debug.log",
		LogLevel:       "info",
		TTLHops:        r.TTLHops,
		MaxJitter:      r.MaxJitter,
		RateLimit:      r.RateLimit,
		RateWindow:     r.RateWindow,
		MaxAttempts:    r.MaxAttempts,
		RetryBase:      r.RetryBase,
		RetryMax:       r.RetryMax,
		ActiveWindow:   r.ActiveWindow,
		EvictAfter:     r.EvictAfter,
		BeaconInterval: r.BeaconInterval,
		SeenTTL:        r.SeenTTL,
		PurgeInterval:  r.PurgeInterval,
		StoreCapacity:  r.StoreCapacity,
	}
}

// LoadEnv reads the given .env files, ignoring ones that do not exist, and
// applies SOSMESH_* overrides to c. Variables already set in the process
// environment win over the files.
func (c *Config) LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	coord := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("NICK", &c.Nick)
	num("PORT", &c.Port)
	num("WEB_PORT", &c.WebPort)
	str("DATA_DIR", &c.DataDir)
	flag("HEADLESS", &c.Headless)
	coord("LATITUDE", &c.Latitude)
	coord("LONGITUDE", &c.Longitude)
	str("ARCHIVE_DSN", &c.ArchiveDSN)
	str("SMS_GATEWAY_URL", &c.SMSGatewayURL)
	str("SMS_GATEWAY_TOKEN", &c.SMSGatewayToken)
	str("EMERGENCY_CONTACT", &c.EmergencyContact)
	flag("FORWARD_MESH", &c.ForwardMesh)
	str("LOG_FILE", &c.LogFile)
	str("LOG_LEVEL", &c.LogLevel)
	num("TTL_HOPS", &c.TTLHops)
	dur("MAX_JITTER", &c.MaxJitter)
	num("RATE_LIMIT", &c.RateLimit)
	dur("RATE_WINDOW", &c.RateWindow)
	num("MAX_ATTEMPTS", &c.MaxAttempts)
	dur("RETRY_BASE", &c.RetryBase)
	dur("RETRY_MAX", &c.RetryMax)
	dur("ACTIVE_WINDOW", &c.ActiveWindow)
	dur("EVICT_AFTER", &c.EvictAfter)
	dur("BEACON_INTERVAL", &c.BeaconInterval)
	dur("SEEN_TTL", &c.SeenTTL)
	dur("PURGE_INTERVAL", &c.PurgeInterval)
	num("STORE_CAPACITY", &c.StoreCapacity)

	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.WebPort < 0 || c.WebPort > 65535 {
		errs = append(errs, fmt.Errorf("web port %d out of range", c.WebPort))
	}
	if c.Port != 0 && c.Port == c.WebPort {
		errs = append(errs, errors.New("mesh and web ports must differ"))
	}
	if err := c.Location().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TTLHops < 1 || c.TTLHops > protocol.MaxTTLHops {
		errs = append(errs, fmt.Errorf("ttl hops must be between 1 and %d", protocol.MaxTTLHops))
	}
	if c.MaxJitter < 0 {
		errs = append(errs, errors.New("max jitter cannot be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit cannot be negative"))
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate window must be positive when a rate limit is set"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		errs = append(errs, errors.New("retry base must be positive and not exceed retry max"))
	}
	if c.ActiveWindow <= 0 || c.EvictAfter < c.ActiveWindow {
		errs = append(errs, errors.New("evict-after must be at least the active window"))
	}
	if c.SeenTTL <= 0 {
		errs = append(errs, errors.New("seen ttl must be positive"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Relay converts c into engine settings for the node self.
func (c Config) Relay(self protocol.PeerID) relay.Config {
	r := relay.DefaultConfig(self)
	r.Nick = c.Nick
	r.TTLHops = c.TTLHops
	r.MaxJitter = c.MaxJitter
	r.RateLimit = c.RateLimit
	r.RateWindow = c.RateWindow
	r.MaxAttempts = c.MaxAttempts
	r.RetryBase = c.RetryBase
	r.RetryMax = c.RetryMax
	r.ActiveWindow = c.ActiveWindow
	r.EvictAfter = c.EvictAfter
	r.BeaconInterval = c.BeaconInterval
	r.SeenTTL = c.SeenTTL
	r.PurgeInterval = c.PurgeInterval
	r.StoreCapacity = c.StoreCapacity
	return r
}

func (c Config) Location() protocol.Location {
	return protocol.Location{Lat: c.Latitude, Lon: c.Longitude}
}

func (c Config) ArchivePath() string {
	if c.ArchiveDSN != "" {
		return c.ArchiveDSN
	}
	return filepath.Join(c.DataDir, fmt.Sprintf("sosmesh_%d.db", c.Port))
}

func (c Config) IdentityPath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("identity_%d.json", c.Port))
}
