package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL  string `yaml:"database_url" validate:"required"`
	DatabaseName string `yaml:"database_name"`
	// DBMigrate applies the bundled schema at startup.
	DBMigrate bool `yaml:"db_migrate"`

	WSAddr      string `yaml:"ws_addr" validate:"required"`
	HTTPAddr    string `yaml:"http_addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr"`

	JWTSecret   string `yaml:"jwt_secret" validate:"required"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix" validate:"required"`
	LogNATSSubjects   bool   `yaml:"log_nats_subjects"`

	RedisAddr     string `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`

	ElasticsearchURL      string `yaml:"elasticsearch_url" validate:"omitempty,url"`
	ElasticsearchUsername string `yaml:"elasticsearch_username"`
	ElasticsearchPassword string `yaml:"elasticsearch_password"`
	ElasticsearchIndex    string `yaml:"elasticsearch_index" validate:"required"`

	CacheTTL  time.Duration `yaml:"cache_ttl" validate:"gt=0s"`
	CacheSize int           `yaml:"cache_size" validate:"gt=0"`

	NotifyCooldown time.Duration `yaml:"notify_cooldown" validate:"gt=0s"`
	NotifyCleanup  time.Duration `yaml:"notify_cleanup" validate:"gtfield=NotifyCooldown"`
	NotifyRadius   float64       `yaml:"notify_radius_m" validate:"gt=0"`

	PersistWorkers int           `yaml:"persist_workers" validate:"gt=0"`
	PersistQueue   int           `yaml:"persist_queue" validate:"gt=0"`
	PersistTimeout time.Duration `yaml:"persist_timeout" validate:"gt=0s"`

	AdminAPIKey string `yaml:"admin_api_key"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

func defaults() *Config {
	return &Config{
		WSAddr:             ":8080",
		HTTPAddr:           ":3000",
		DBMigrate:          true,
		JWTSecret:          "dev_secret",
		NATSSubjectPrefix:  "tracking",
		ElasticsearchIndex: "bus-positions",
		CacheTTL:           5 * time.Minute,
		CacheSize:          1024,
		NotifyCooldown:     30 * time.Second,
		NotifyCleanup:      30 * time.Minute,
		NotifyRadius:       100,
		PersistWorkers:     4,
		PersistQueue:       1024,
		PersistTimeout:     5 * time.Second,
		LogLevel:           "INFO",
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE (if
// set), then the environment, and validates the result.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if dsn := databaseURLFromEnv(); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	setString(&cfg.DatabaseName, "DATABASE_NAME")
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		cfg.DBMigrate = parseBool(v)
	}

	setString(&cfg.WSAddr, "WS_ADDR")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")

	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")

	setString(&cfg.NATSURL, "NATS_URL")
	setString(&cfg.NATSSubjectPrefix, "NATS_SUBJECT_PREFIX")
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		cfg.LogNATSSubjects = parseBool(v)
	}

	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")

	setString(&cfg.ElasticsearchURL, "ELASTICSEARCH_URL")
	setString(&cfg.ElasticsearchUsername, "ELASTICSEARCH_USERNAME")
	setString(&cfg.ElasticsearchPassword, "ELASTICSEARCH_PASSWORD")
	setString(&cfg.ElasticsearchIndex, "ELASTICSEARCH_INDEX")

	setString(&cfg.AdminAPIKey, "ADMIN_API_KEY")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"CACHE_SIZE", &cfg.CacheSize, 1},
		{"PERSIST_WORKERS", &cfg.PersistWorkers, 1},
		{"PERSIST_QUEUE", &cfg.PersistQueue, 1},
	}
	for _, it := range ints {
		if err := setInt(it.dst, it.key, it.min); err != nil {
			return err
		}
	}

	durations := []struct {
		key  string
		dst  *time.Duration
		unit time.Duration
	}{
		{"CACHE_TTL_SEC", &cfg.CacheTTL, time.Second},
		{"NOTIFY_COOLDOWN_SEC", &cfg.NotifyCooldown, time.Second},
		{"NOTIFY_CLEANUP_MIN", &cfg.NotifyCleanup, time.Minute},
		{"PERSIST_TIMEOUT_MS", &cfg.PersistTimeout, time.Millisecond},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key, d.unit); err != nil {
			return err
		}
	}

	if v := os.Getenv("NOTIFY_RADIUS_M"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid NOTIFY_RADIUS_M: %q", v)
		}
		cfg.NotifyRadius = f
	}
	return nil
}

// Validate checks field constraints and reports them one per line.
func Validate(cfg *Config) error { return validateStruct(cfg) }

func validateStruct(v any) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// databaseURLFromEnv prefers DATABASE_URL / PG_DSN, else builds a DSN from
// the PG* vars. Empty when none are set.
func databaseURLFromEnv() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, min int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string, unit time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = time.Duration(n) * unit
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
