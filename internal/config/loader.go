package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Environments
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Defaults
const (
	DefaultAlertInterval     = 30 * time.Second
	DefaultEscalationTick    = time.Second
	DefaultRetentionCleanup  = time.Hour
	DefaultResolvedRetention = 24 * time.Hour
	DefaultSendTimeout       = 5 * time.Second
	DefaultCorrelationWindow = 5 * time.Minute
	DefaultDuplicateWindow   = 5 * time.Minute
	DefaultMaxOccurrences    = 3
	DefaultCascadeDelay      = 60 * time.Second
	DefaultCollectorInterval = 15 * time.Second
	DefaultGNMIPort          = 9339
)

func boolPtr(b bool) *bool { return &b }

// presets are applied before any override found in the file itself
var presets = map[string]EnvironmentOverride{
	EnvDevelopment: {
		AlertInterval:        10 * time.Second,
		DisableExternalSends: boolPtr(true),
	},
	EnvTest: {
		AlertInterval:        time.Second,
		EscalationTick:       100 * time.Millisecond,
		ResolvedRetention:    time.Minute,
		DisableExternalSends: boolPtr(true),
	},
	EnvProduction: {
		ResolvedRetention: 7 * 24 * time.Hour,
	},
}

// ConfigurationError describes one rule, policy or channel that was refused
type ConfigurationError struct {
	Section string
	Name    string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Section, e.Name, e.Reason)
}

// Load loads configuration from a YAML file and builds it for environment
func Load(path, environment string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data, environment)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a Config from YAML. Only malformed YAML or an unknown
// environment fail the whole load; invalid rules are dropped and reported
// through Config.Problems.
func Parse(data []byte, environment string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	if environment == "" {
		environment = EnvProduction
	}
	preset, ok := presets[environment]
	if !ok {
		if _, custom := cfg.Environments[environment]; !custom {
			return nil, fmt.Errorf("unknown environment %q", environment)
		}
	}
	cfg.Environment = environment

	setDefaults(cfg)
	applyOverride(cfg, preset)
	if override, ok := cfg.Environments[environment]; ok {
		applyOverride(cfg, override)
	}

	cfg.problems = validate(cfg)
	return cfg, nil
}

// setDefaults fills in zero values
func setDefaults(cfg *Config) {
	if cfg.Intervals.Alerts == 0 {
		cfg.Intervals.Alerts = DefaultAlertInterval
	}
	if cfg.Intervals.EscalationTick == 0 {
		cfg.Intervals.EscalationTick = DefaultEscalationTick
	}
	if cfg.Intervals.RetentionCleanup == 0 {
		cfg.Intervals.RetentionCleanup = DefaultRetentionCleanup
	}
	if cfg.Retention.ResolvedAlerts == 0 {
		cfg.Retention.ResolvedAlerts = DefaultResolvedRetention
	}
	if cfg.Notifications.SendTimeout == 0 {
		cfg.Notifications.SendTimeout = DefaultSendTimeout
	}
	for name, ch := range cfg.Notifications.Channels {
		if len(ch.SeverityFilter) == 0 && (ch.Type == ChannelSMS || ch.Type == ChannelPagerDuty) {
			ch.SeverityFilter = []string{"critical"}
			cfg.Notifications.Channels[name] = ch
		}
	}
	for i := range cfg.Correlation.Rules {
		if cfg.Correlation.Rules[i].TimeWindow == 0 {
			cfg.Correlation.Rules[i].TimeWindow = DefaultCorrelationWindow
		}
	}
	if cfg.Suppression.Duplicates.MaxOccurrences == 0 {
		cfg.Suppression.Duplicates.MaxOccurrences = DefaultMaxOccurrences
	}
	if cfg.Suppression.Duplicates.TimeWindow == 0 {
		cfg.Suppression.Duplicates.TimeWindow = DefaultDuplicateWindow
	}
	for i := range cfg.Suppression.Cascade {
		if cfg.Suppression.Cascade[i].SuppressionDelay == 0 {
			cfg.Suppression.Cascade[i].SuppressionDelay = DefaultCascadeDelay
		}
	}
	if cfg.Collectors.System.Interval == 0 {
		cfg.Collectors.System.Interval = DefaultCollectorInterval
	}
	if cfg.Collectors.GNMI.Port == 0 {
		cfg.Collectors.GNMI.Port = DefaultGNMIPort
	}
}

// applyOverride applies the non-zero fields of an environment override
func applyOverride(cfg *Config, o EnvironmentOverride) {
	if o.AlertInterval > 0 {
		cfg.Intervals.Alerts = o.AlertInterval
	}
	if o.EscalationTick > 0 {
		cfg.Intervals.EscalationTick = o.EscalationTick
	}
	if o.ResolvedRetention > 0 {
		cfg.Retention.ResolvedAlerts = o.ResolvedRetention
	}
	if o.DisableExternalSends != nil {
		cfg.Notifications.DisableExternalSends = *o.DisableExternalSends
	}
}

// validate drops every invalid entry and returns what was dropped. One bad
// rule never disables unrelated ones.
func validate(cfg *Config) *multierror.Error {
	var problems *multierror.Error
	refuse := func(section, name, format string, args ...interface{}) {
		problems = multierror.Append(problems, &ConfigurationError{
			Section: section,
			Name:    name,
			Reason:  fmt.Sprintf(format, args...),
		})
	}

	// Channels
channels:
	for name, ch := range cfg.Notifications.Channels {
		switch ch.Type {
		case ChannelEmail, ChannelSMS, ChannelSlack, ChannelWebhook, ChannelPagerDuty, ChannelTeams:
		default:
			refuse("channel", name, "unsupported type %q", ch.Type)
			delete(cfg.Notifications.Channels, name)
			continue
		}
		for _, sev := range ch.SeverityFilter {
			if sev != "warning" && sev != "critical" {
				refuse("channel", name, "unknown severity %q in severity_filter", sev)
				delete(cfg.Notifications.Channels, name)
				continue channels
			}
		}
		if ch.RateLimit.MaxPerHour < 0 || ch.RateLimit.MaxPerDay < 0 {
			refuse("channel", name, "rate limits must not be negative")
			delete(cfg.Notifications.Channels, name)
		}
	}

	// Routing
	for severity, channels := range cfg.Notifications.Routing {
		kept := channels[:0:0]
		for _, chName := range channels {
			if _, ok := cfg.Notifications.Channels[chName]; !ok {
				refuse("routing", severity, "references unknown channel %s", chName)
				continue
			}
			kept = append(kept, chName)
		}
		cfg.Notifications.Routing[severity] = kept
	}

	// Thresholds
	cfg.Specs = cfg.Specs[:0]
	domains := make([]string, 0, len(cfg.Thresholds))
	for domain := range cfg.Thresholds {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	defined := map[string]string{}
	for _, domain := range domains {
		for metric, th := range cfg.Thresholds[domain] {
			if other, dup := defined[metric]; dup {
				refuse("threshold", metric, "already defined in domain %s", other)
				continue
			}
			spec, err := compileThreshold(domain, metric, th)
			if err != nil {
				refuse("threshold", metric, "%v", err)
				continue
			}
			defined[metric] = domain
			cfg.Specs = append(cfg.Specs, spec)
		}
	}
	sort.Slice(cfg.Specs, func(i, j int) bool { return cfg.Specs[i].MetricName < cfg.Specs[j].MetricName })

	// Escalation policies
	for name, policy := range cfg.Escalation.Policies {
		if err := validatePolicy(cfg, policy); err != nil {
			refuse("escalation policy", name, "%v", err)
			delete(cfg.Escalation.Policies, name)
		}
	}

	// Correlation rules
	rules := cfg.Correlation.Rules[:0:0]
	seen := map[string]bool{}
	for i, rule := range cfg.Correlation.Rules {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		switch {
		case rule.Name == "":
			refuse("correlation rule", name, "name is required")
		case seen[rule.Name]:
			refuse("correlation rule", name, "duplicate name")
		case len(rule.Metrics) == 0:
			refuse("correlation rule", name, "metrics are required")
		case rule.Threshold <= 0 || rule.Threshold > 1:
			refuse("correlation rule", name, "threshold must be in (0, 1]")
		case rule.TimeWindow < 0:
			refuse("correlation rule", name, "time_window must not be negative")
		default:
			seen[rule.Name] = true
			rules = append(rules, rule)
		}
	}
	cfg.Correlation.Rules = rules

	// Cascade rules
	cascades := cfg.Suppression.Cascade[:0:0]
	for _, rule := range cfg.Suppression.Cascade {
		if rule.ParentMetric == "" || len(rule.Children) == 0 {
			refuse("cascade rule", rule.ParentMetric, "parent_metric and children are required")
			continue
		}
		cascades = append(cascades, rule)
	}
	cfg.Suppression.Cascade = cascades

	// Maintenance windows
	windows := cfg.Maintenance[:0:0]
	for _, w := range cfg.Maintenance {
		if err := validateWindow(w); err != nil {
			refuse("maintenance window", w.Name, "%v", err)
			continue
		}
		windows = append(windows, w)
	}
	cfg.Maintenance = windows

	// gNMI targets
	targets := cfg.Collectors.GNMI.Targets[:0:0]
	for _, target := range cfg.Collectors.GNMI.Targets {
		if target.Address == "" {
			refuse("gnmi target", target.Name, "address is required")
			continue
		}
		if len(target.Subscriptions) == 0 {
			refuse("gnmi target", target.Name, "at least one subscription is required")
			continue
		}
		targets = append(targets, target)
	}
	cfg.Collectors.GNMI.Targets = targets

	return problems
}

// compileThreshold validates one threshold pair
func compileThreshold(domain, metric string, th Threshold) (ThresholdSpec, error) {
	spec := ThresholdSpec{
		MetricName: metric,
		Domain:     domain,
		Category:   th.Category,
		Comparison: strings.ToLower(strings.TrimSpace(th.Comparison)),
		ValueType:  strings.ToLower(strings.TrimSpace(th.ValueType)),
	}
	if spec.Category == "" {
		spec.Category = domain
	}
	if spec.Comparison == "" {
		spec.Comparison = ComparisonAbove
	}
	if spec.ValueType == "" {
		spec.ValueType = ValueFloat
	}
	if spec.Comparison != ComparisonAbove && spec.Comparison != ComparisonBelow {
		return spec, fmt.Errorf("comparison must be 'above' or 'below'")
	}
	if spec.ValueType != ValueFloat && spec.ValueType != ValueInteger {
		return spec, fmt.Errorf("value_type must be 'float' or 'integer'")
	}
	if th.Warning == nil && th.Critical == nil {
		return spec, fmt.Errorf("warning or critical level is required")
	}
	if th.Warning != nil {
		spec.Warning, spec.HasWarning = *th.Warning, true
	}
	if th.Critical != nil {
		spec.Critical, spec.HasCritical = *th.Critical, true
	}
	if spec.HasWarning && spec.HasCritical {
		if spec.Comparison == ComparisonAbove && spec.Critical < spec.Warning {
			return spec, fmt.Errorf("critical level %v is below warning level %v", spec.Critical, spec.Warning)
		}
		if spec.Comparison == ComparisonBelow && spec.Critical > spec.Warning {
			return spec, fmt.Errorf("critical level %v is above warning level %v", spec.Critical, spec.Warning)
		}
	}
	return spec, nil
}

// validatePolicy checks channel references and step ordering
func validatePolicy(cfg *Config, policy EscalationPolicy) error {
	var last time.Duration
	for i, step := range policy.Steps {
		if step.Delay < 0 {
			return fmt.Errorf("step %d: delay must not be negative", i)
		}
		if i > 0 && step.Delay < last {
			return fmt.Errorf("step %d: delay %s is shorter than the previous step", i, step.Delay)
		}
		last = step.Delay
		if len(step.Channels) == 0 {
			return fmt.Errorf("step %d: no channels", i)
		}
		for _, chName := range step.Channels {
			if _, ok := cfg.Notifications.Channels[chName]; !ok {
				return fmt.Errorf("step %d: references unknown channel %s", i, chName)
			}
		}
	}
	return nil
}

// validateWindow checks that exactly one window form is configured
func validateWindow(w MaintenanceWindow) error {
	recurring := w.Schedule != ""
	fixed := !w.Start.IsZero() || !w.End.IsZero()
	switch {
	case recurring && fixed:
		return fmt.Errorf("schedule and start/end are mutually exclusive")
	case recurring:
		if w.Duration <= 0 {
			return fmt.Errorf("duration is required with a schedule")
		}
		if _, err := ParseSchedule(w.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", w.Schedule, err)
		}
	case fixed:
		if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
			return fmt.Errorf("end must be after start")
		}
	default:
		return fmt.Errorf("schedule or start/end is required")
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
		}
	}
	return nil
}
