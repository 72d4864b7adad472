package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"

	"github.com/onkernel/nodelab/lib/db"
)

type Config struct {
	Port      string
	JwtSecret string

	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string

	DataDir    string
	ImageDir   string
	OverlayDir string

	VNCPortMin int
	VNCPortMax int
	VNCListen  string
	VNCHost    string

	QemuBinary    string
	QemuImgBinary string
	QemuMemory    datasize.ByteSize
	QemuCPUs      int
	QemuKVM       bool
	QemuExtraArgs []string

	StartGracePeriod  time.Duration
	StopTimeout       time.Duration
	KillTimeout       time.Duration
	ReconcileInterval time.Duration

	GuacBaseURL          string
	GuacAPIPath          string
	GuacTunnelPath       string
	GuacConnectionPrefix string
	GuacUser             string
	GuacPass             string
	GuacTimeout          time.Duration

	OtelEnabled     bool
	OtelEndpoint    string
	OtelServiceName string
	OtelInsecure    bool

	LogLevel string
}

// Load loads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		JwtSecret: getEnv("JWT_SECRET", ""),

		DatabaseDriver: getEnv("DATABASE_DRIVER", db.DriverPostgres),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SQLitePath:     getEnv("SQLITE_PATH", ""),

		DataDir:    getEnv("DATA_DIR", "/var/lib/nodelab"),
		ImageDir:   getEnv("IMAGE_DIR", ""),
		OverlayDir: getEnv("OVERLAY_DIR", ""),

		VNCPortMin: getEnvInt("VNC_PORT_MIN", 5900),
		VNCPortMax: getEnvInt("VNC_PORT_MAX", 5999),
		VNCListen:  getEnv("VNC_LISTEN", "0.0.0.0"),
		VNCHost:    getEnv("VNC_HOST", "127.0.0.1"),

		QemuBinary:    getEnv("QEMU_BINARY", "qemu-system-x86_64"),
		QemuImgBinary: getEnv("QEMU_IMG_BINARY", "qemu-img"),
		QemuMemory:    getEnvSize("QEMU_MEMORY", datasize.GB),
		QemuCPUs:      getEnvInt("QEMU_CPUS", 1),
		QemuKVM:       getEnvBool("QEMU_KVM", true),
		QemuExtraArgs: strings.Fields(getEnv("QEMU_EXTRA_ARGS", "")),

		StartGracePeriod:  getEnvDuration("START_GRACE_PERIOD", time.Second),
		StopTimeout:       getEnvDuration("STOP_TIMEOUT", 30*time.Second),
		KillTimeout:       getEnvDuration("KILL_TIMEOUT", 5*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Second),

		GuacAPIPath:          getEnv("GUAC_API_PATH", "api"),
		GuacTunnelPath:       getEnv("GUAC_TUNNEL_PATH", "websocket-tunnel"),
		GuacConnectionPrefix: getEnv("GUAC_CONNECTION_PREFIX", "nodelab"),
		GuacUser:             getEnv("GUAC_USER", "guacadmin"),
		GuacPass:             getEnv("GUAC_PASS", "guacadmin"),
		GuacTimeout:          getEnvDuration("GUAC_TIMEOUT", 10*time.Second),

		OtelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:    getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName: getEnv("OTEL_SERVICE_NAME", "nodelab"),
		OtelInsecure:    getEnvBool("OTEL_INSECURE", true),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	cfg.GuacBaseURL = guacamoleBaseURL(
		getEnvBool("GUAC_HTTPS", false),
		getEnv("GUAC_HOST", "127.0.0.1"),
		getEnv("GUAC_PORT", "8080"),
	)

	if cfg.DatabaseURL == "" && cfg.DatabaseDriver == db.DriverPostgres {
		cfg.DatabaseURL = db.PostgresDSN(
			getEnv("POSTGRES_USER", "postgres"),
			getEnv("POSTGRES_PASSWORD", "postgres"),
			getEnv("POSTGRES_HOST", "127.0.0.1"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("BACKEND_DB", "nodelab"),
		)
	}

	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.DatabaseDriver {
	case db.DriverPostgres, db.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", db.DriverPostgres, db.DriverSQLite, c.DatabaseDriver))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	if c.VNCPortMin < 5900 {
		errs = append(errs, fmt.Errorf("VNC_PORT_MIN must be at least 5900, got %d", c.VNCPortMin))
	}
	if c.VNCPortMax < c.VNCPortMin || c.VNCPortMax > 65535 {
		errs = append(errs, fmt.Errorf("VNC_PORT_MAX must be between VNC_PORT_MIN and 65535, got %d", c.VNCPortMax))
	}
	if c.QemuMemory < datasize.MB {
		errs = append(errs, fmt.Errorf("QEMU_MEMORY must be at least 1MB, got %s", c.QemuMemory.HR()))
	}
	if c.QemuCPUs < 1 {
		errs = append(errs, fmt.Errorf("QEMU_CPUS must be positive, got %d", c.QemuCPUs))
	}
	for name, d := range map[string]time.Duration{
		"START_GRACE_PERIOD": c.StartGracePeriod,
		"STOP_TIMEOUT":       c.StopTimeout,
		"KILL_TIMEOUT":       c.KillTimeout,
		"RECONCILE_INTERVAL": c.ReconcileInterval,
		"GUAC_TIMEOUT":       c.GuacTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if _, err := url.Parse(c.GuacBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid Guacamole URL: %w", err))
	}

	return errors.Join(errs...)
}

// QemuMemoryMB returns the guest memory size in MiB.
func (c *Config) QemuMemoryMB() int64 {
	return int64(c.QemuMemory.MBytes())
}

func guacamoleBaseURL(https bool, host, port string) string {
	scheme := "http"
	if https {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%s/guacamole", scheme, host, port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	if value := os.Getenv(key); value != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(value)); err == nil {
			return size
		}
	}
	return defaultValue
}
