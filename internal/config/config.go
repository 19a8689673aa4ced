// Package config loads the server's environment-driven ambient settings.
// Every invalid field is collected into a single aggregate error rather
// than failing on the first one found.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ValidationErrors aggregates every field-level problem found while
// loading a Config, instead of stopping at the first.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return "config: " + strings.Join(v, "; ")
}

// Config is the ambient, env-var-driven configuration for the server
// binary: the pieces that are not part of the domain model itself
// (client/queue limits, worker timing, listener defaults).
type Config struct {
	ClientLimit       int
	AuthQueueLimit    int
	AuthWorkerIdleWake time.Duration
	AuthRateLimit      float64 // admissions/sec per authenticator; 0 disables the limiter
	AuthRateBurst      int
	ListenJSON        string // path to the watched listener config file
	AdminJWTSecret     string
	DBDriver           string
	DBDSN              string
	S3Bucket           string
	S3Prefix           string
	StatsMount         string // path that accepts a websocket upgrade for live stats
	TLSRequiredMount   string // path rejected with 426 when reached over plaintext; empty disables the check
}

const (
	defaultClientLimit        = 1000
	defaultAuthQueueLimit     = 100
	defaultAuthWorkerIdleWake = 150 * time.Millisecond
	defaultAuthRateLimit      = 20.0
	defaultAuthRateBurst      = 40
	defaultListenJSON         = "listen.json"
	defaultStatsMount         = "/admin/stats"
)

// Load reads Config from the environment, returning a ValidationErrors
// aggregating every problem found rather than stopping at the first.
func Load() (Config, error) {
	var errs ValidationErrors
	cfg := Config{
		ClientLimit:        defaultClientLimit,
		AuthQueueLimit:     defaultAuthQueueLimit,
		AuthWorkerIdleWake: defaultAuthWorkerIdleWake,
		AuthRateLimit:      defaultAuthRateLimit,
		AuthRateBurst:      defaultAuthRateBurst,
		ListenJSON:         defaultListenJSON,
		DBDriver:           "sqlite3",
		DBDSN:              "file:icecore.db?cache=shared",
		StatsMount:         defaultStatsMount,
	}

	if v := os.Getenv("CLIENT_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("CLIENT_LIMIT: invalid positive integer %q", v))
		} else {
			cfg.ClientLimit = n
		}
	}

	if v := os.Getenv("AUTH_QUEUE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("AUTH_QUEUE_LIMIT: invalid positive integer %q", v))
		} else {
			cfg.AuthQueueLimit = n
		}
	}

	if v := os.Getenv("AUTH_WORKER_IDLE_WAKE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("AUTH_WORKER_IDLE_WAKE: invalid duration %q", v))
		} else {
			cfg.AuthWorkerIdleWake = d
		}
	}

	if v := os.Getenv("AUTH_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Sprintf("AUTH_RATE_LIMIT: invalid non-negative number %q", v))
		} else {
			cfg.AuthRateLimit = f
		}
	}

	if v := os.Getenv("AUTH_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("AUTH_RATE_BURST: invalid positive integer %q", v))
		} else {
			cfg.AuthRateBurst = n
		}
	}

	if v := os.Getenv("LISTEN_JSON"); v != "" {
		cfg.ListenJSON = v
	}

	cfg.AdminJWTSecret = os.Getenv("ADMIN_JWT_SECRET")
	if cfg.AdminJWTSecret == "" {
		errs = append(errs, "ADMIN_JWT_SECRET: must be set")
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		if v != "sqlite3" && v != "postgres" {
			errs = append(errs, fmt.Sprintf("DB_DRIVER: must be sqlite3 or postgres, got %q", v))
		} else {
			cfg.DBDriver = v
		}
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DBDSN = v
	}

	cfg.S3Bucket = os.Getenv("ACCESS_LOG_S3_BUCKET")
	cfg.S3Prefix = os.Getenv("ACCESS_LOG_S3_PREFIX")

	if v := os.Getenv("STATS_MOUNT"); v != "" {
		cfg.StatsMount = v
	}
	cfg.TLSRequiredMount = os.Getenv("TLS_REQUIRED_MOUNT")

	if len(errs) > 0 {
		return Config{}, errs
	}
	return cfg, nil
}

// MustLoad calls Load and panics on error; used only from cmd/server's
// startup path where there is no sensible way to continue.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
