package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	MinNameLength = 3
	MaxNameLength = 32
)

// DBConfig groups the storage settings (DB_*).
type DBConfig struct {
	URL          string
	Timezone     string
	MediaRoot    string
	ChecksSubdir string
}

// AppConfig groups the script and solver settings (APP_*).
type AppConfig struct {
	Domain              string
	APIDomain           string
	ScriptDurationHours int
	ScriptNameLength    int
	ScriptMaxUsage      int
	ScriptType          string
	MaxKeyAttempts      int
	OpenAIAPIKey        string
	OpenAIModel         string
	OpenAIBaseURL       string
	SolverTimeout       time.Duration
	BrokerURL           string
	AdminJWTSecret      string
}

// AdmissionConfig toggles the checks that are modeled on a script but off by default.
type AdmissionConfig struct {
	EnforceWindow bool
	EnforceStatus bool
}

type WorkerConfig struct {
	PoolSize      int
	QueueSize     int
	PollInterval  time.Duration
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	MaxAttempts   int
}

type ProjectConfig struct {
	Debug      bool
	Name       string
	Version    string
	Listen     string
	InnerAddr  string
	OtelStdout bool
}

// Config is built once at startup and handed to every component constructor.
type Config struct {
	DB        DBConfig
	App       AppConfig
	Admission AdmissionConfig
	Worker    WorkerConfig
	Project   ProjectConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_TIMEZONE", "Asia/Tashkent")
	v.SetDefault("DB_MEDIA_ROOT", "app/storage")
	v.SetDefault("DB_CHECKS_SUBDIR", "check_requests")

	v.SetDefault("APP_DOMAIN", "http://localhost:8000")
	v.SetDefault("APP_API_DOMAIN", "http://localhost:8000")
	v.SetDefault("APP_SCRIPT_DURATION_HOURS", 720)
	v.SetDefault("APP_SCRIPT_NAME_LENGTH", MinNameLength)
	v.SetDefault("APP_SCRIPT_MAX_USAGE", 50)
	v.SetDefault("APP_SCRIPT_TYPE", "default")
	v.SetDefault("APP_MAX_KEY_ATTEMPTS", 20)
	v.SetDefault("APP_OPENAI_MODEL", "gpt-5-mini")
	v.SetDefault("APP_OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("APP_SOLVER_TIMEOUT", "480s")

	v.SetDefault("ADMISSION_ENFORCE_WINDOW", false)
	v.SetDefault("ADMISSION_ENFORCE_STATUS", false)

	v.SetDefault("WORKER_POOL_SIZE", 4)
	v.SetDefault("WORKER_QUEUE_SIZE", 256)
	v.SetDefault("WORKER_POLL_INTERVAL", "5s")
	v.SetDefault("WORKER_SOFT_TIME_LIMIT", "500s")
	v.SetDefault("WORKER_HARD_TIME_LIMIT", "1000s")
	v.SetDefault("WORKER_MAX_ATTEMPTS", 3)

	v.SetDefault("PROJECT_DEBUG", false)
	v.SetDefault("PROJECT_NAME", "AI Testing")
	v.SetDefault("PROJECT_VERSION", "0.0.1")
	v.SetDefault("PROJECT_LISTEN", "0.0.0.0:8000")
	v.SetDefault("PROJECT_INNER_ADDR", "0.0.0.0:8001")
	v.SetDefault("OTEL_STDOUT", false)
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// .env is optional; real deployments pass the environment directly
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			URL:          v.GetString("DB_URL"),
			Timezone:     v.GetString("DB_TIMEZONE"),
			MediaRoot:    v.GetString("DB_MEDIA_ROOT"),
			ChecksSubdir: v.GetString("DB_CHECKS_SUBDIR"),
		},
		App: AppConfig{
			Domain:              v.GetString("APP_DOMAIN"),
			APIDomain:           v.GetString("APP_API_DOMAIN"),
			ScriptDurationHours: v.GetInt("APP_SCRIPT_DURATION_HOURS"),
			ScriptNameLength:    v.GetInt("APP_SCRIPT_NAME_LENGTH"),
			ScriptMaxUsage:      v.GetInt("APP_SCRIPT_MAX_USAGE"),
			ScriptType:          v.GetString("APP_SCRIPT_TYPE"),
			MaxKeyAttempts:      v.GetInt("APP_MAX_KEY_ATTEMPTS"),
			OpenAIAPIKey:        v.GetString("APP_OPENAI_API_KEY"),
			OpenAIModel:         v.GetString("APP_OPENAI_MODEL"),
			OpenAIBaseURL:       v.GetString("APP_OPENAI_BASE_URL"),
			SolverTimeout:       v.GetDuration("APP_SOLVER_TIMEOUT"),
			BrokerURL:           v.GetString("APP_CELERY_BROKER_URL"),
			AdminJWTSecret:      v.GetString("APP_ADMIN_JWT_SECRET"),
		},
		Admission: AdmissionConfig{
			EnforceWindow: v.GetBool("ADMISSION_ENFORCE_WINDOW"),
			EnforceStatus: v.GetBool("ADMISSION_ENFORCE_STATUS"),
		},
		Worker: WorkerConfig{
			PoolSize:      v.GetInt("WORKER_POOL_SIZE"),
			QueueSize:     v.GetInt("WORKER_QUEUE_SIZE"),
			PollInterval:  v.GetDuration("WORKER_POLL_INTERVAL"),
			SoftTimeLimit: v.GetDuration("WORKER_SOFT_TIME_LIMIT"),
			HardTimeLimit: v.GetDuration("WORKER_HARD_TIME_LIMIT"),
			MaxAttempts:   v.GetInt("WORKER_MAX_ATTEMPTS"),
		},
		Project: ProjectConfig{
			Debug:      v.GetBool("PROJECT_DEBUG"),
			Name:       v.GetString("PROJECT_NAME"),
			Version:    v.GetString("PROJECT_VERSION"),
			Listen:     v.GetString("PROJECT_LISTEN"),
			InnerAddr:  v.GetString("PROJECT_INNER_ADDR"),
			OtelStdout: v.GetBool("OTEL_STDOUT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the components rely on.
func (c *Config) Validate() error {
	if c.DB.URL == "" {
		return errors.New("DB_URL is required")
	}
	if _, err := time.LoadLocation(c.DB.Timezone); err != nil {
		return errors.Wrapf(err, "invalid DB_TIMEZONE %q", c.DB.Timezone)
	}
	if c.App.ScriptNameLength < MinNameLength || c.App.ScriptNameLength > MaxNameLength {
		return errors.Newf("APP_SCRIPT_NAME_LENGTH must be in [%d, %d], got %d",
			MinNameLength, MaxNameLength, c.App.ScriptNameLength)
	}
	if c.App.ScriptMaxUsage < 0 {
		return errors.Newf("APP_SCRIPT_MAX_USAGE must not be negative, got %d", c.App.ScriptMaxUsage)
	}
	if c.App.ScriptDurationHours <= 0 {
		return errors.Newf("APP_SCRIPT_DURATION_HOURS must be positive, got %d", c.App.ScriptDurationHours)
	}
	if c.App.MaxKeyAttempts <= 0 {
		return errors.Newf("APP_MAX_KEY_ATTEMPTS must be positive, got %d", c.App.MaxKeyAttempts)
	}
	if c.Worker.PoolSize <= 0 || c.Worker.QueueSize <= 0 {
		return errors.New("WORKER_POOL_SIZE and WORKER_QUEUE_SIZE must be positive")
	}
	if c.Worker.SoftTimeLimit <= 0 || c.Worker.HardTimeLimit < c.Worker.SoftTimeLimit {
		return errors.Newf("worker time limits must satisfy 0 < soft <= hard, got soft=%s hard=%s",
			c.Worker.SoftTimeLimit, c.Worker.HardTimeLimit)
	}
	return nil
}

// ScriptDuration is the default validity window of a freshly issued script.
func (c *Config) ScriptDuration() time.Duration {
	return time.Duration(c.App.ScriptDurationHours) * time.Hour
}

// DSN returns the database URL with the configured session timezone applied,
// unless the URL already carries one.
func (c *Config) DSN() string {
	return withTimezone(c.DB.URL, c.DB.Timezone)
}

// BrokerDSN is the connection the job listener subscribes on. A postgres
// APP_CELERY_BROKER_URL takes precedence; any other scheme falls back to DB_URL
// since the job queue lives in the database.
func (c *Config) BrokerDSN() string {
	u, err := url.Parse(c.App.BrokerURL)
	if c.App.BrokerURL == "" || err != nil {
		return c.DSN()
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return withTimezone(c.App.BrokerURL, c.DB.Timezone)
	}
	return c.DSN()
}

// SubmitURL is the public submission endpoint for a script key.
func (c *Config) SubmitURL(key string) string {
	return strings.TrimRight(c.App.APIDomain, "/") + "/api/v1/submissions?key=" + url.QueryEscape(key)
}

func withTimezone(dsn, tz string) string {
	if tz == "" {
		return dsn
	}
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		if q.Get("timezone") != "" {
			return dsn
		}
		q.Set("timezone", tz)
		u.RawQuery = q.Encode()
		return u.String()
	}
	if strings.Contains(dsn, "timezone=") {
		return dsn
	}
	return strings.TrimSpace(dsn + " timezone=" + tz)
}
