package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/taskhook/internal/task"
)

type Server struct {
	HTTPPort      string        `validate:"required"` // :8080
	HandlerPrefix string        `validate:"required,startswith=/"`
	ReadTimeout   time.Duration `validate:"gt=0"`
	WriteTimeout  time.Duration `validate:"gt=0"`
	IdleTimeout   time.Duration `validate:"gt=0"`
}

// Tasks configures the dispatcher. Local (DEBUG) runs tasks inline instead
// of enqueueing them; Routes is "priority=queue@baseURL,..."; SubmitTimeout
// bounds each CreateTask attempt, 0 leaving it to the caller's context.
type Tasks struct {
	Local              bool
	Project            string
	Region             string
	SchedulerToken     string        `validate:"required"`
	DispatchDeadline   time.Duration `validate:"min=15s,max=24h"`
	SubmitTimeout      time.Duration `validate:"gte=0"`
	OIDCServiceAccount string        `validate:"omitempty,email"`
	Routes             string        `validate:"required"`
}

type Broker struct {
	Kind     string `validate:"oneof=cloudtasks nsq"`
	Endpoint string // Cloud Tasks emulator or private endpoint
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. http://nsqd:4151, used for backlog stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	RelayChannel   string // channel the relay consumes on
	DLQTopic       string
	MaxDefer       time.Duration // nsqd --max-req-timeout
}

type Relay struct {
	Topics              []string        // defaults to the queues named in Tasks.Routes
	MaxAttempts         int             `validate:"min=1"`
	BackoffSchedule     []time.Duration `validate:"min=1"`
	JitterPercent       float64         `validate:"min=0,max=1"`
	PublishDLQ          bool
	MaxInFlight         int    `validate:"min=1"`
	HTTPPort            string `validate:"required"`
	BacklogPollInterval time.Duration
	SigningKey          string // PEM; a key is generated when empty
	TokenIssuer         string
}

// DB is optional; the execution journal is enabled when URL or Host is set.
type DB struct {
	URL      string
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

// Auth configures OIDC verification of inbound async requests.
type Auth struct {
	OIDCPublicKey string // PEM
	OIDCJWKSURL   string
	OIDCIssuer    string
	OIDCAudience  string
	OIDCEmail     string // required service-account identity, optional
}

type Tracing struct {
	Endpoint    string
	SampleRatio float64 `validate:"min=0,max=1"`
}

type Config struct {
	AppName    string `validate:"required"`
	Version    string
	LogLevel   string `validate:"oneof=debug info warn error"`
	Server     Server
	Tasks      Tasks
	Broker     Broker
	NSQ        NSQ
	Relay      Relay
	DB         DB
	Auth       Auth
	Tracing    Tracing
	LocalCrons string // "<cron spec>=<task name>;..."
}

// CronEntry is one LOCAL_CRONS schedule.
type CronEntry struct {
	Spec string
	Task string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var defaultBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 1 * time.Minute, 5 * time.Minute, 15 * time.Minute, 1 * time.Hour}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return defaultBackoff
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "taskhook"),
		Version:  getenv("APP_VERSION", "dev"),
		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),
		Server: Server{
			HTTPPort:      getenv("HTTP_PORT", ":8080"),
			HandlerPrefix: strings.TrimSuffix(getenv("TASK_HANDLER_PREFIX", "/api/tasks"), "/"),
			ReadTimeout:   getenvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			// a task may run for the whole dispatch deadline
			WriteTimeout: getenvDuration("HTTP_WRITE_TIMEOUT", 31*time.Minute),
			IdleTimeout:  getenvDuration("HTTP_IDLE_TIMEOUT", 2*time.Minute),
		},
		Tasks: Tasks{
			Local:              getenvBool("DEBUG", false),
			Project:            getenv("GCP_PROJECT", ""),
			Region:             getenv("GCP_REGION", ""),
			SchedulerToken:     getenv("SCHEDULER_TOKEN", "true"),
			DispatchDeadline:   getenvDuration("DISPATCH_DEADLINE", 30*time.Minute),
			SubmitTimeout:      getenvDuration("SUBMIT_TIMEOUT", 10*time.Second),
			OIDCServiceAccount: getenv("TASKS_SERVICE_ACCOUNT", ""),
			Routes:             getenv("TASK_ROUTES", "async=async-tasks-queue@http://localhost:8080"),
		},
		Broker: Broker{
			Kind:     getenv("BROKER", "cloudtasks"),
			Endpoint: getenv("CLOUD_TASKS_ENDPOINT", ""),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			RelayChannel:   getenv("NSQ_RELAY_CHANNEL", "relay"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "tasks_dlq"),
			MaxDefer:       getenvDuration("NSQ_MAX_DEFER", time.Hour),
		},
		Relay: Relay{
			Topics:              getenvList("RELAY_TOPICS"),
			MaxAttempts:         getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule:     parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:       getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PublishDLQ:          getenvBool("PUBLISH_DLQ_TOPIC", true),
			MaxInFlight:         getenvInt("RELAY_MAX_IN_FLIGHT", 16),
			HTTPPort:            ":" + getenv("RELAY_HTTP_PORT", "8083"),
			BacklogPollInterval: getenvDuration("RELAY_BACKLOG_POLL_INTERVAL", 15*time.Second),
			SigningKey:          getenv("RELAY_SIGNING_KEY", ""),
			TokenIssuer:         getenv("RELAY_TOKEN_ISSUER", "taskhook-relay"),
		},
		DB: DB{
			URL:      getenv("DATABASE_URL", ""),
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", ""),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "taskhook"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 4)),
		},
		Auth: Auth{
			OIDCPublicKey: getenv("OIDC_PUBLIC_KEY", ""),
			OIDCJWKSURL:   getenv("OIDC_JWKS_URL", ""),
			OIDCIssuer:    getenv("OIDC_ISSUER", "https://accounts.google.com"),
			OIDCAudience:  getenv("OIDC_AUDIENCE", ""),
			OIDCEmail:     getenv("OIDC_EMAIL", ""),
		},
		Tracing: Tracing{
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRatio: getenvFloat("TRACE_SAMPLE_RATIO", 1.0),
		},
		LocalCrons: getenv("LOCAL_CRONS", ""),
	}
}

// JournalEnabled reports whether a database is configured.
func (c Config) JournalEnabled() bool {
	return c.DB.URL != "" || c.DB.Host != ""
}

func (c Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// AuthEnabled reports whether inbound async requests must carry an OIDC token.
func (c Config) AuthEnabled() bool {
	return c.Auth.OIDCPublicKey != "" || c.Auth.OIDCJWKSURL != ""
}

// Routes parses Tasks.Routes.
func (c Config) Routes() (map[task.Priority]task.Route, error) {
	return ParseRoutes(c.Tasks.Routes)
}

// RelayTopics returns Relay.Topics, or the queue names of every route.
func (c Config) RelayTopics() ([]string, error) {
	if len(c.Relay.Topics) > 0 {
		return c.Relay.Topics, nil
	}
	routes, err := c.Routes()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var topics []string
	for _, r := range routes {
		if !seen[r.Queue] {
			seen[r.Queue] = true
			topics = append(topics, r.Queue)
		}
	}
	sort.Strings(topics)
	return topics, nil
}

// Crons parses LocalCrons.
func (c Config) Crons() ([]CronEntry, error) {
	return ParseCrons(c.LocalCrons)
}

// ParseRoutes parses "priority=queue@baseURL" entries separated by commas.
func ParseRoutes(s string) (map[task.Priority]task.Route, error) {
	routes := make(map[task.Priority]task.Route)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prio, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("route %q: want priority=queue@url", entry)
		}
		queue, base, ok := strings.Cut(rest, "@")
		if !ok || strings.TrimSpace(queue) == "" {
			return nil, fmt.Errorf("route %q: want priority=queue@url", entry)
		}
		base = strings.TrimSuffix(strings.TrimSpace(base), "/")
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %q: invalid base url %q", entry, base)
		}
		p := task.Priority(strings.TrimSpace(prio))
		if _, dup := routes[p]; dup {
			return nil, fmt.Errorf("route %q: duplicate priority %q", entry, p)
		}
		routes[p] = task.Route{Queue: strings.TrimSpace(queue), BaseURL: base}
	}
	if len(routes) == 0 {
		return nil, errors.New("no task routes configured")
	}
	return routes, nil
}

// ParseCrons parses "<cron spec>=<task name>" entries separated by semicolons.
func ParseCrons(s string) ([]CronEntry, error) {
	var entries []CronEntry
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := strings.LastIndex(entry, "=")
		if i <= 0 || i == len(entry)-1 {
			return nil, fmt.Errorf("cron %q: want <spec>=<task>", entry)
		}
		entries = append(entries, CronEntry{
			Spec: strings.TrimSpace(entry[:i]),
			Task: strings.TrimSpace(entry[i+1:]),
		})
	}
	return entries, nil
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Routes(); err != nil {
		return fmt.Errorf("config: TASK_ROUTES: %w", err)
	}
	if _, err := c.Crons(); err != nil {
		return fmt.Errorf("config: LOCAL_CRONS: %w", err)
	}
	if c.Broker.Kind == "cloudtasks" && !c.Tasks.Local {
		if c.Tasks.Project == "" || c.Tasks.Region == "" {
			return errors.New("config: GCP_PROJECT and GCP_REGION are required for the cloudtasks broker")
		}
	}
	if c.AuthEnabled() && c.Auth.OIDCAudience == "" {
		return errors.New("config: OIDC_AUDIENCE is required when OIDC verification is enabled")
	}
	return nil
}
