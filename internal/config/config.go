package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// Completion log backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// ScheduleConfig holds the cron expressions of the built-in jobs.
type ScheduleConfig struct {
	DueReport     string
	SummaryReport string
	AckPoll       string
	JobTimeout    time.Duration
	RunRetention  int
}

// StoreConfig selects where completions are kept.
type StoreConfig struct {
	LogBackend string
	LogPath    string
}

// TelemetryConfig tunes hour meter polling.
type TelemetryConfig struct {
	Timeout     time.Duration
	Concurrency int
}

// EmailConfig holds mail delivery and reply polling settings.
type EmailConfig struct {
	Enabled  bool
	Address  string
	Username string
	Password string
	SMTPHost string
	SMTPPort int
	IMAPHost string
	IMAPPort int
	Mailbox  string

	DueTo      []string
	DueCc      []string
	DueBcc     []string
	SummaryTo  []string
	SummaryCc  []string
	SummaryBcc []string
	AlertTo    []string
}

// MatrixConfig holds chat delivery settings.
type MatrixConfig struct {
	Enabled     bool
	Homeserver  string
	User        string
	Password    string
	ReportRoom  string
	SummaryRoom string
	SyncTimeout time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Group   string
	Enabled bool
}

// MQTTConfig holds report publishing settings.
type MQTTConfig struct {
	Enabled     bool
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Schedule  ScheduleConfig
	Store     StoreConfig
	Telemetry TelemetryConfig
	Email     EmailConfig
	Matrix    MatrixConfig
	Bark      BarkConfig
	MQTT      MQTTConfig

	Mode          string
	CatalogPath   string
	StateDir      string
	UseUTC        bool
	ReportOnStart bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7080"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultRunRetention  = 50
	defaultShutdownGrace = 5 * time.Second
	defaultJobTimeout    = 5 * time.Minute

	DefaultDueReportCron     = "15 14 * * 1-5"
	DefaultSummaryReportCron = "17 14 * * 1-5"
	DefaultAckPollCron       = "*/5 * * * *"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Parse reads configuration from the process arguments.
func Parse() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds a Config from args and the environment.
// Priority: CLI flags > Environment variables > .env file > defaults
func Load(args []string) (*Config, error) {
	// Check multiple locations: current directory, then config directory
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "hourwatch", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional
	}

	emailAddress := getEnvString("HOURWATCH_EMAIL_ADDRESS", "")
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("HOURWATCH_ADDR", defaultAddr),
			AuthToken: getEnvString("HOURWATCH_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("HOURWATCH_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("HOURWATCH_LOG_FORMAT", defaultLogFormat),
		},
		Schedule: ScheduleConfig{
			DueReport:     getEnvString("HOURWATCH_DUE_REPORT_CRON", DefaultDueReportCron),
			SummaryReport: getEnvString("HOURWATCH_SUMMARY_REPORT_CRON", DefaultSummaryReportCron),
			AckPoll:       getEnvString("HOURWATCH_ACK_POLL_CRON", DefaultAckPollCron),
			JobTimeout:    getEnvDuration("HOURWATCH_JOB_TIMEOUT", defaultJobTimeout),
			RunRetention:  getEnvInt("HOURWATCH_RUN_RETENTION", defaultRunRetention),
		},
		Store: StoreConfig{
			LogBackend: strings.ToLower(getEnvString("HOURWATCH_LOG_BACKEND", BackendJSON)),
			LogPath:    getEnvString("HOURWATCH_LOG_PATH", ""),
		},
		Telemetry: TelemetryConfig{
			Timeout:     getEnvDuration("HOURWATCH_TELEMETRY_TIMEOUT", 10*time.Second),
			Concurrency: getEnvInt("HOURWATCH_TELEMETRY_CONCURRENCY", 4),
		},
		Email: EmailConfig{
			Enabled:    getEnvBool("HOURWATCH_EMAIL_ENABLED", false),
			Address:    emailAddress,
			Username:   getEnvString("HOURWATCH_EMAIL_USERNAME", emailAddress),
			Password:   getEnvString("HOURWATCH_EMAIL_PASSWORD", ""),
			SMTPHost:   getEnvString("HOURWATCH_SMTP_HOST", ""),
			SMTPPort:   getEnvInt("HOURWATCH_SMTP_PORT", 587),
			IMAPHost:   getEnvString("HOURWATCH_IMAP_HOST", ""),
			IMAPPort:   getEnvInt("HOURWATCH_IMAP_PORT", 993),
			Mailbox:    getEnvString("HOURWATCH_IMAP_MAILBOX", "INBOX"),
			DueTo:      getEnvList("HOURWATCH_DUE_TO"),
			DueCc:      getEnvList("HOURWATCH_DUE_CC"),
			DueBcc:     getEnvList("HOURWATCH_DUE_BCC"),
			SummaryTo:  getEnvList("HOURWATCH_SUMMARY_TO"),
			SummaryCc:  getEnvList("HOURWATCH_SUMMARY_CC"),
			SummaryBcc: getEnvList("HOURWATCH_SUMMARY_BCC"),
			AlertTo:    getEnvList("HOURWATCH_ALERT_TO"),
		},
		Matrix: MatrixConfig{
			Enabled:     getEnvBool("HOURWATCH_MATRIX_ENABLED", false),
			Homeserver:  getEnvString("HOURWATCH_MATRIX_HOMESERVER", ""),
			User:        getEnvString("HOURWATCH_MATRIX_USER", ""),
			Password:    getEnvString("HOURWATCH_MATRIX_PASSWORD", ""),
			ReportRoom:  getEnvString("HOURWATCH_MATRIX_REPORT_ROOM", ""),
			SummaryRoom: getEnvString("HOURWATCH_MATRIX_SUMMARY_ROOM", ""),
			SyncTimeout: getEnvDuration("HOURWATCH_MATRIX_SYNC_TIMEOUT", 30*time.Second),
		},
		Bark: BarkConfig{
			URL:     getEnvString("HOURWATCH_BARK_URL", ""),
			Group:   getEnvString("HOURWATCH_BARK_GROUP", "hourwatch"),
			Enabled: getEnvBool("HOURWATCH_BARK_ENABLED", false),
		},
		MQTT: MQTTConfig{
			Enabled:     getEnvBool("HOURWATCH_MQTT_ENABLED", false),
			Broker:      getEnvString("HOURWATCH_MQTT_BROKER", ""),
			ClientID:    getEnvString("HOURWATCH_MQTT_CLIENT_ID", "hourwatch"),
			Username:    getEnvString("HOURWATCH_MQTT_USERNAME", ""),
			Password:    getEnvString("HOURWATCH_MQTT_PASSWORD", ""),
			TopicPrefix: getEnvString("HOURWATCH_MQTT_TOPIC_PREFIX", "hourwatch"),
		},
		Mode:          strings.ToLower(getEnvString("HOURWATCH_MODE", ModeHTTP)),
		CatalogPath:   getEnvString("HOURWATCH_CATALOG", "catalog.yaml"),
		StateDir:      getEnvString("HOURWATCH_STATE_DIR", ""),
		UseUTC:        getEnvBool("HOURWATCH_USE_UTC", false),
		ReportOnStart: getEnvBool("HOURWATCH_REPORT_ON_START", true),
		ShutdownGrace: getEnvDuration("HOURWATCH_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	// Define CLI flags (these will override environment variables)
	fs := flag.NewFlagSet("hourwatchd", flag.ContinueOnError)
	var addr, logLevel, logFormat, stateDir, mode, catalogPath string
	var runRetention int
	var useUTC, reportOnStart bool
	var shutdownGrace time.Duration

	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory for the database, completion log and session files")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&mode, "mode", "", "Run mode (http, mcp, both)")
	fs.StringVar(&catalogPath, "catalog", "", "Path to the machine catalog YAML")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.BoolVar(&reportOnStart, "report-on-start", true, "Send a due and summary report at start-up")
	fs.IntVar(&runRetention, "run-log-keep", 0, "Number of recent runs to retain per job")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply CLI flags if set (they take precedence)
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if mode != "" {
		cfg.Mode = strings.ToLower(mode)
	}
	if catalogPath != "" {
		cfg.CatalogPath = catalogPath
	}
	if runRetention > 0 {
		cfg.Schedule.RunRetention = runRetention
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	// For bool flags, check if explicitly set via Visit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "report-on-start":
			cfg.ReportOnStart = reportOnStart
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	// Resolve state dir if not set
	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Store.LogPath == "" {
		cfg.Store.LogPath = filepath.Join(cfg.StateDir, "completions.json")
	}

	// Ensure retention is valid
	if cfg.Schedule.RunRetention < 1 {
		cfg.Schedule.RunRetention = defaultRunRetention
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	switch c.Store.LogBackend {
	case BackendJSON, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown log backend %q", c.Store.LogBackend))
	}
	if c.Email.Enabled {
		if c.Email.Address == "" || c.Email.SMTPHost == "" || c.Email.IMAPHost == "" {
			errs = append(errs, errors.New("email enabled: HOURWATCH_EMAIL_ADDRESS, HOURWATCH_SMTP_HOST and HOURWATCH_IMAP_HOST are required"))
		}
		if len(c.Email.DueTo)+len(c.Email.DueCc)+len(c.Email.DueBcc) == 0 {
			errs = append(errs, errors.New("email enabled: no due report recipients"))
		}
	}
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.User == "" || c.Matrix.ReportRoom == "" {
			errs = append(errs, errors.New("matrix enabled: HOURWATCH_MATRIX_HOMESERVER, HOURWATCH_MATRIX_USER and HOURWATCH_MATRIX_REPORT_ROOM are required"))
		}
	}
	if c.Bark.Enabled && c.Bark.URL == "" {
		errs = append(errs, errors.New("bark enabled: HOURWATCH_BARK_URL is required"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt enabled: HOURWATCH_MQTT_BROKER is required"))
	}
	return errors.Join(errs...)
}

// PIDPath returns the pid file path.
func (c *Config) PIDPath() string {
	return filepath.Join(c.StateDir, "hourwatch.pid")
}

// MatrixSessionPath returns where the Matrix login is saved.
func (c *Config) MatrixSessionPath() string {
	return filepath.Join(c.StateDir, "matrix-session.json")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "hourwatch")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
