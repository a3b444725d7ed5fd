package config

import (
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config represents the complete alertd configuration. A Config is built
// once by Load and never mutated afterwards; reloads build a new value.
type Config struct {
	Intervals     Intervals                       `yaml:"intervals"`
	Retention     Retention                       `yaml:"retention"`
	Thresholds    map[string]map[string]Threshold `yaml:"thresholds"`
	Notifications NotificationConfig              `yaml:"notifications"`
	Escalation    EscalationConfig                `yaml:"escalation"`
	Correlation   CorrelationConfig               `yaml:"correlation"`
	Suppression   SuppressionConfig               `yaml:"suppression"`
	Maintenance   []MaintenanceWindow             `yaml:"maintenance_windows,omitempty"`
	Collectors    CollectorsConfig                `yaml:"collectors"`
	Environments  map[string]EnvironmentOverride  `yaml:"environments,omitempty"`

	// Environment is the preset the value was built for
	Environment string `yaml:"-"`
	// Specs is the validated, sorted threshold list derived from Thresholds
	Specs []ThresholdSpec `yaml:"-"`

	problems *multierror.Error
}

// Problems returns the configuration errors of rules that were dropped at
// load time, or nil.
func (c *Config) Problems() error {
	if c == nil {
		return nil
	}
	return c.problems.ErrorOrNil()
}

// Intervals contains loop periods
type Intervals struct {
	Alerts           time.Duration `yaml:"alerts"`
	EscalationTick   time.Duration `yaml:"escalation_tick"`
	RetentionCleanup time.Duration `yaml:"retention_cleanup"`
}

// Retention defines how long resolved records are kept
type Retention struct {
	ResolvedAlerts time.Duration `yaml:"resolved_alerts"`
}

// Threshold is a warning/critical pair for one metric
type Threshold struct {
	Warning    *float64 `yaml:"warning,omitempty"`
	Critical   *float64 `yaml:"critical,omitempty"`
	Comparison string   `yaml:"comparison,omitempty"` // "above" or "below"
	Category   string   `yaml:"category,omitempty"`
	ValueType  string   `yaml:"value_type,omitempty"` // "float" or "integer"
}

// Comparison directions
const (
	ComparisonAbove = "above"
	ComparisonBelow = "below"
)

// Value types
const (
	ValueFloat   = "float"
	ValueInteger = "integer"
)

// ThresholdSpec is a validated threshold ready for evaluation
type ThresholdSpec struct {
	MetricName  string
	Domain      string
	Category    string
	Warning     float64
	Critical    float64
	HasWarning  bool
	HasCritical bool
	Comparison  string
	ValueType   string
}

// NotificationConfig defines channels and routing
type NotificationConfig struct {
	SendTimeout          time.Duration            `yaml:"send_timeout"`
	DisableExternalSends bool                     `yaml:"disable_external_sends"`
	Routing              map[string][]string      `yaml:"routing"`
	Management           map[string][]string      `yaml:"management,omitempty"`
	Channels             map[string]ChannelConfig `yaml:"channels"`
}

// Channel types
const (
	ChannelEmail     = "email"
	ChannelSMS       = "sms"
	ChannelSlack     = "slack"
	ChannelWebhook   = "webhook"
	ChannelPagerDuty = "pagerduty"
	ChannelTeams     = "teams"
)

// ChannelConfig defines a notification channel
type ChannelConfig struct {
	Type           string            `yaml:"type"`
	Enabled        bool              `yaml:"enabled"`
	Recipients     []string          `yaml:"recipients,omitempty"`
	SeverityFilter []string          `yaml:"severity_filter,omitempty"`
	RateLimit      RateLimit         `yaml:"rate_limit,omitempty"`
	Retries        *int              `yaml:"retries,omitempty"`
	URL            string            `yaml:"url,omitempty"`
	URLEnv         string            `yaml:"url_env,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	SMTP           SMTPConfig        `yaml:"smtp,omitempty"`
	Twilio         TwilioConfig      `yaml:"twilio,omitempty"`
	PagerDuty      PagerDutyConfig   `yaml:"pagerduty,omitempty"`
}

// RateLimit defines the per channel notification ceilings. Zero means no
// ceiling.
type RateLimit struct {
	MaxPerHour int `yaml:"max_per_hour"`
	MaxPerDay  int `yaml:"max_per_day"`
}

// SMTPConfig holds email delivery settings
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	From        string `yaml:"from"`
	StartTLS    bool   `yaml:"starttls,omitempty"`
}

// TwilioConfig holds SMS delivery settings
type TwilioConfig struct {
	AccountSID   string `yaml:"account_sid"`
	AuthTokenEnv string `yaml:"auth_token_env"`
	From         string `yaml:"from"`
	BaseURL      string `yaml:"base_url,omitempty"`
}

// PagerDutyConfig holds PagerDuty Events API settings
type PagerDutyConfig struct {
	IntegrationKeyEnv string `yaml:"integration_key_env"`
}

// ResolveURL returns the configured URL, preferring the environment variable
func (c ChannelConfig) ResolveURL() string {
	if c.URLEnv != "" {
		if v := os.Getenv(c.URLEnv); v != "" {
			return v
		}
	}
	return c.URL
}

// MaxRetries returns the retry budget for transient failures
func (c ChannelConfig) MaxRetries() int {
	if c.Retries != nil {
		return *c.Retries
	}
	switch c.Type {
	case ChannelWebhook, ChannelPagerDuty:
		return 3
	}
	return 0
}

// EscalationConfig holds the escalation policies keyed by category or
// severity ("critical", "warning")
type EscalationConfig struct {
	Policies map[string]EscalationPolicy `yaml:"policies"`
}

// EscalationPolicy is an ordered list of notification steps
type EscalationPolicy struct {
	Steps []EscalationStep `yaml:"steps"`
}

// EscalationStep fires Delay after the alert was first seen
type EscalationStep struct {
	Delay                time.Duration `yaml:"delay"`
	Channels             []string      `yaml:"channels"`
	EscalateToManagement bool          `yaml:"escalate_to_management,omitempty"`
}

// CorrelationConfig lists the correlation rules
type CorrelationConfig struct {
	Rules []CorrelationRule `yaml:"rules"`
}

// CorrelationRule groups alerts of related metrics
type CorrelationRule struct {
	Name       string        `yaml:"name"`
	Metrics    []string      `yaml:"metrics"`
	Threshold  float64       `yaml:"threshold"`
	TimeWindow time.Duration `yaml:"time_window"`
}

// SuppressionConfig defines the suppression rules
type SuppressionConfig struct {
	Duplicates DuplicateRule `yaml:"duplicates"`
	Cascade    []CascadeRule `yaml:"cascade,omitempty"`
}

// DuplicateRule limits repeated firing of the same alert
type DuplicateRule struct {
	Enabled        *bool         `yaml:"enabled,omitempty"`
	MaxOccurrences int           `yaml:"max_occurrences"`
	TimeWindow     time.Duration `yaml:"time_window"`
	NotifyRepeats  *bool         `yaml:"notify_repeats,omitempty"`
}

// IsEnabled defaults to true
func (d DuplicateRule) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// RepeatsNotify is opt-in. Without it only escalation steps repeat.
func (d DuplicateRule) RepeatsNotify() bool {
	return d.NotifyRepeats != nil && *d.NotifyRepeats
}

// CascadeRule suppresses child alerts while a parent alert is young
type CascadeRule struct {
	ParentMetric     string        `yaml:"parent_metric"`
	Children         []string      `yaml:"children"`
	SuppressionDelay time.Duration `yaml:"suppression_delay"`
}

// MaintenanceWindow defines maintenance window configuration. Either a
// recurring cron Schedule with a Duration, or a fixed Start/End.
type MaintenanceWindow struct {
	Name     string        `yaml:"name"`
	Schedule string        `yaml:"schedule,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Start    time.Time     `yaml:"start,omitempty"`
	End      time.Time     `yaml:"end,omitempty"`
	Timezone string        `yaml:"timezone,omitempty"`
	Metrics  []string      `yaml:"metrics,omitempty"`
}

// CollectorsConfig configures the bundled metric feeders
type CollectorsConfig struct {
	System SystemCollectorConfig `yaml:"system"`
	GNMI   GNMIConfig            `yaml:"gnmi"`
}

// SystemCollectorConfig configures host metrics collection
type SystemCollectorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	DiskPath string        `yaml:"disk_path,omitempty"`
}

// GNMIConfig configures gNMI telemetry targets
type GNMIConfig struct {
	Port    int          `yaml:"port"`
	Targets []GNMITarget `yaml:"targets,omitempty"`
}

// GNMITarget is one telemetry-speaking device
type GNMITarget struct {
	Name          string             `yaml:"name"`
	Address       string             `yaml:"address"`
	Port          int                `yaml:"port,omitempty"`
	Username      string             `yaml:"username,omitempty"`
	PasswordEnv   string             `yaml:"password_env,omitempty"`
	TLS           GNMITLS            `yaml:"tls,omitempty"`
	Subscriptions []GNMISubscription `yaml:"subscriptions"`
}

// GNMITLS holds TLS settings for a target
type GNMITLS struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
}

// GNMISubscription maps a telemetry path to a metric name
type GNMISubscription struct {
	Path           string        `yaml:"path"`
	Metric         string        `yaml:"metric"`
	SampleInterval time.Duration `yaml:"sample_interval,omitempty"`
}

// EnvironmentOverride adjusts a configuration for one environment. Zero
// fields leave the base value unchanged.
type EnvironmentOverride struct {
	AlertInterval        time.Duration `yaml:"alert_interval,omitempty"`
	EscalationTick       time.Duration `yaml:"escalation_tick,omitempty"`
	ResolvedRetention    time.Duration `yaml:"resolved_retention,omitempty"`
	DisableExternalSends *bool         `yaml:"disable_external_sends,omitempty"`
}
