package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DevMode               bool

	DatabaseURL string
	TenantsFile string
	SlowQuery   time.Duration

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RateLimit       int
	RateWindow      time.Duration
	GlobalRateLimit float64

	KestraURL        string
	KestraNamespace  string
	KestraFlow       string
	KestraWebhookKey string
	KestraUsername   string
	KestraPassword   string
	KestraToken      string
	TriggerTimeout   time.Duration

	PollInterval  time.Duration
	PollTimeout   time.Duration
	PollMaxErrors int

	TaskAnalysis      string
	TaskRemediation   string
	TaskDocumentation string

	KafkaBrokers string
	KafkaTopic   string

	SlackWebhookURL  string
	RelatedIncidents int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.BoolVar(&c.DevMode, "dev-mode", false, "include error detail in 500 responses")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.TenantsFile, "tenants-file", "", "YAML tenant directory (webhook key digests); overrides the database tenant table")
	fs.DurationVar(&c.SlowQuery, "slow-query", 100*time.Millisecond, "log successful database queries at or above this duration (0 = log all)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared rate limiter (empty = in-process limiter)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.IntVar(&c.RateLimit, "rate-limit", 60, "ingestion requests allowed per webhook key per window")
	fs.DurationVar(&c.RateWindow, "rate-window", time.Minute, "rate limit window")
	fs.Float64Var(&c.GlobalRateLimit, "global-rate-limit", 0, "process-wide ingestion cap in requests/second (0 = off, in-process limiter only)")

	fs.StringVar(&c.KestraURL, "kestra-url", "", "Kestra base URL (empty = no analysis workflow)")
	fs.StringVar(&c.KestraNamespace, "kestra-namespace", "", "Kestra namespace of the analysis flow")
	fs.StringVar(&c.KestraFlow, "kestra-flow", "", "Kestra flow ID of the analysis flow")
	fs.StringVar(&c.KestraWebhookKey, "kestra-webhook-key", "", "webhook trigger key of the analysis flow")
	fs.StringVar(&c.KestraUsername, "kestra-username", "", "Kestra basic auth username")
	fs.StringVar(&c.KestraPassword, "kestra-password", "", "Kestra basic auth password")
	fs.StringVar(&c.KestraToken, "kestra-token", "", "Kestra API bearer token")
	fs.DurationVar(&c.TriggerTimeout, "trigger-timeout", 15*time.Second, "timeout for each Kestra API call")

	fs.DurationVar(&c.PollInterval, "poll-interval", 2*time.Second, "execution status poll interval")
	fs.DurationVar(&c.PollTimeout, "poll-timeout", 10*time.Minute, "how long a triggered execution is followed")
	fs.IntVar(&c.PollMaxErrors, "poll-max-errors", 5, "consecutive poll failures before an execution is marked UNKNOWN")

	fs.StringVar(&c.TaskAnalysis, "task-analysis", "analyze_incident", "flow task producing the analysis")
	fs.StringVar(&c.TaskRemediation, "task-remediation", "generate_remediation", "flow task producing the remediation")
	fs.StringVar(&c.TaskDocumentation, "task-documentation", "generate_documentation", "flow task producing the documentation")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka brokers for the audit log (empty = in-memory)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "beacon.audit", "Kafka topic for the audit log")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.IntVar(&c.RelatedIncidents, "related-incidents", 3, "prior incidents of the same service sent with each trigger (0..50)")
}

// KafkaBrokerList splits KafkaBrokers into addresses.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// without a database the directory file is the only tenant source
	if c.SlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY %s (must be >= 0)", c.SlowQuery))
	}
	if c.DatabaseURL == "" && c.TenantsFile == "" {
		errs = append(errs, errors.New("TENANTS_FILE is required when DATABASE_URL is empty"))
	}

	// Rate limiting
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %d (must be >= 1)", c.RateLimit))
	}
	if c.RateWindow < time.Second {
		errs = append(errs, fmt.Errorf("invalid RATE_WINDOW %s (must be >= 1s)", c.RateWindow))
	}
	if c.GlobalRateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid GLOBAL_RATE_LIMIT %g (must be >= 0)", c.GlobalRateLimit))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	// Workflow engine, only checked when enabled
	if c.KestraURL != "" {
		if u, err := url.Parse(c.KestraURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid KESTRA_URL %q (must be an absolute http(s) URL)", c.KestraURL))
		}
		if c.KestraNamespace == "" {
			errs = append(errs, errors.New("KESTRA_NAMESPACE is required with KESTRA_URL"))
		}
		if c.KestraFlow == "" {
			errs = append(errs, errors.New("KESTRA_FLOW is required with KESTRA_URL"))
		}
		if c.KestraWebhookKey == "" {
			errs = append(errs, errors.New("KESTRA_WEBHOOK_KEY is required with KESTRA_URL"))
		}
	}
	if (c.KestraUsername == "") != (c.KestraPassword == "") {
		errs = append(errs, errors.New("KESTRA_USERNAME and KESTRA_PASSWORD must be set together"))
	}
	if c.KestraToken != "" && c.KestraUsername != "" {
		errs = append(errs, errors.New("KESTRA_TOKEN and KESTRA_USERNAME are mutually exclusive"))
	}
	if c.TriggerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid TRIGGER_TIMEOUT %s (must be > 0)", c.TriggerTimeout))
	}

	// Polling
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL %s (must be > 0)", c.PollInterval))
	}
	if c.PollTimeout < c.PollInterval {
		errs = append(errs, fmt.Errorf("POLL_TIMEOUT %s must be at least POLL_INTERVAL %s", c.PollTimeout, c.PollInterval))
	}
	if c.PollMaxErrors <= 0 {
		errs = append(errs, fmt.Errorf("invalid POLL_MAX_ERRORS %d (must be >= 1)", c.PollMaxErrors))
	}

	if c.TaskAnalysis == "" || c.TaskRemediation == "" || c.TaskDocumentation == "" {
		errs = append(errs, errors.New("TASK_ANALYSIS, TASK_REMEDIATION and TASK_DOCUMENTATION must be non-empty"))
	}

	if len(c.KafkaBrokerList()) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}

	if c.RelatedIncidents < 0 || c.RelatedIncidents > 50 {
		errs = append(errs, fmt.Errorf("invalid RELATED_INCIDENTS %d (must be 0..50)", c.RelatedIncidents))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
