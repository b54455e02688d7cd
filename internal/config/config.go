package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"incidents/internal/domain"
	"incidents/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultAlertPath          = "/alerts"
	defaultIncidentPath       = "/incidents"
	defaultMaxBodyBytes       = int64(1 << 20)
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSSubject        = "incidents.alerts"
	defaultNATSIngestStream   = "INCIDENT_ALERTS"
	defaultNATSIngestConsumer = "incidents-ingest"
	defaultNATSIngestGroup    = "incidents-workers"
	defaultNATSIngestWorkers  = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultNATSIncidentBucket = "incidents"
	defaultNATSKeyBucket      = "incident-keys"
	defaultNATSAuditStream    = "INCIDENT_SUPPRESSIONS"
	defaultNATSAuditSubject   = "incidents.suppressions"

	defaultFlapThreshold      = 5
	defaultFlapWindowSec      = 900
	defaultDuplicateWindowSec = 300
	defaultOffHoursStartHour  = 6
	defaultOffHoursEndHour    = 22

	defaultCorrelationWindowSec = 300

	defaultUpdateRetryMax       = 3
	defaultUpdateRetryBackoffMS = 200

	defaultNotifyTemplate = "[{{ .Incident.Severity }}] incident {{ .Incident.ID }} level {{ .Level }}: " +
		"{{ .Incident.Type }} on {{ .Incident.EquipmentID }} ({{ len .Incident.Alerts }} alerts, since {{ fmtTime .Incident.CreatedAt }})"

	// ServiceModeNATS keeps NATS-backed state/ingest settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// NotifyChannelTelegram identifies Telegram chat transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelWebhook identifies generic HTTP webhook transport.
	NotifyChannelWebhook = "webhook"
	// NotifyChannelSMS identifies HTTP SMS gateway transport.
	NotifyChannelSMS = "sms"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelTelegram,
		NotifyChannelWebhook,
		NotifyChannelSMS,
	}
	notifyChannelRegistry = map[string]notifyChannelDescriptor{
		NotifyChannelTelegram: {
			enabled: func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.Telegram.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig {
				return cfg.Telegram.NameTemplate
			},
		},
		NotifyChannelWebhook: {
			enabled: func(cfg NotifyConfig) bool { return cfg.Webhook.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.Webhook.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig {
				return cfg.Webhook.NameTemplate
			},
		},
		NotifyChannelSMS: {
			enabled: func(cfg NotifyConfig) bool { return cfg.SMS.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.SMS.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig {
				return cfg.SMS.NameTemplate
			},
		},
	}
	weekdayNames = map[string]time.Weekday{
		"sun": time.Sunday,
		"mon": time.Monday,
		"tue": time.Tuesday,
		"wed": time.Wednesday,
		"thu": time.Thursday,
		"fri": time.Friday,
		"sat": time.Saturday,
	}
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/retry/templates fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled   func(NotifyConfig) bool
	retry     func(NotifyConfig) NotifyRetry
	templates func(NotifyConfig) []NamedTemplateConfig
}

// Config holds service runtime settings for the incident engine.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Log        LogConfig        `toml:"log"`
	Ingest     IngestConfig     `toml:"ingest"`
	Suppress   SuppressConfig   `toml:"suppress"`
	Correlate  CorrelateConfig  `toml:"correlate"`
	Escalation EscalationConfig `toml:"escalation"`
	OnCall     OnCallConfig     `toml:"oncall"`
	Notify     NotifyConfig     `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: service name and runtime mode.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// LogConfig defines logging sinks.
// Params: console and file sink settings.
// Returns: logging behavior for slog setup.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one log output sink.
// Params: enabled flag, level, format, and optional file path.
// Returns: sink settings for handler construction.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IngestConfig defines inbound alert interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP alert ingestion endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	AlertPath    string `toml:"alert_path"`
	IncidentPath string `toml:"incident_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + worker/ack/redelivery policy; routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// NATSStateConfig contains fixed JetStream settings for the incident store.
// Params: URL, KV bucket names, and suppression audit stream routing.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                []string
	IncidentBucket     string
	KeyBucket          string
	AuditStream        string
	AuditSubject       string
	AllowCreateBuckets bool
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStateConfig{
		URL:                urls,
		IncidentBucket:     defaultNATSIncidentBucket,
		KeyBucket:          defaultNATSKeyBucket,
		AuditStream:        defaultNATSAuditStream,
		AuditSubject:       defaultNATSAuditSubject,
		AllowCreateBuckets: true,
	}
}

// SuppressConfig defines suppression rule settings.
// Params: window thresholds, off-hours bounds, and static registries.
// Returns: suppression manager controls.
type SuppressConfig struct {
	Timezone           string              `toml:"timezone"`
	FlapThreshold      int                 `toml:"flap_threshold"`
	FlapWindowSec      int                 `toml:"flap_window_sec"`
	DuplicateWindowSec int                 `toml:"duplicate_window_sec"`
	OffHoursStartHour  int                 `toml:"off_hours_start_hour"`
	OffHoursEndHour    int                 `toml:"off_hours_end_hour"`
	Maintenance        []MaintenanceWindow `toml:"maintenance"`
	KnownIssue         []KnownIssueConfig  `toml:"known_issue"`
}

// MaintenanceWindow registers one planned equipment downtime period.
// Params: equipment id and RFC3339 start/end bounds.
// Returns: suppression window entry.
type MaintenanceWindow struct {
	EquipmentID string    `toml:"equipment_id"`
	Start       time.Time `toml:"start"`
	End         time.Time `toml:"end"`
}

// KnownIssueConfig registers one acknowledged recurring problem.
// Params: equipment id, matching alert types, and expiry.
// Returns: known-issue suppression entry.
type KnownIssueConfig struct {
	EquipmentID string    `toml:"equipment_id"`
	AlertTypes  []string  `toml:"alert_types"`
	Expires     time.Time `toml:"expires"`
}

// CorrelateConfig defines correlation rule settings.
// Params: default window, cascade pairs, performance types, and area table.
// Returns: correlation engine controls.
type CorrelateConfig struct {
	WindowSec        int               `toml:"window_sec"`
	PerformanceTypes []string          `toml:"performance_types"`
	Cascade          []CascadePair     `toml:"cascade"`
	Area             map[string]string `toml:"area"`
}

// CascadePair defines one ordered symptom pair with its own window.
// Params: source/target alert types and pair window.
// Returns: cascade correlation entry.
type CascadePair struct {
	FromType  string `toml:"from_type"`
	ToType    string `toml:"to_type"`
	WindowSec int    `toml:"window_sec"`
}

// EscalationConfig defines escalation policy list and persistence retry.
// Params: ordered policies and status-update retry policy.
// Returns: escalation manager controls.
type EscalationConfig struct {
	UpdateRetryMax       int                `toml:"update_retry_max"`
	UpdateRetryBackoffMS int                `toml:"update_retry_backoff_ms"`
	Policy               []EscalationPolicy `toml:"policy"`
}

// EscalationPolicy selects escalation behavior by incident attributes.
// Params: policy name, match conditions, and ordered level list.
// Returns: one escalation workflow definition; list order is first-match-wins.
type EscalationPolicy struct {
	Name       string            `toml:"name"`
	Conditions PolicyConditions  `toml:"conditions"`
	Level      []EscalationLevel `toml:"level"`
}

// PolicyConditions matches incidents by severity/type/equipment.
// Params: allow-lists; an empty list matches everything.
// Returns: policy selection predicate data.
type PolicyConditions struct {
	Severities   []string `toml:"severities"`
	AlertTypes   []string `toml:"alert_types"`
	EquipmentIDs []string `toml:"equipment_ids"`
}

// EscalationLevel defines one timed notification step.
// Params: ordinal, delay from previous level, roles, channels, and repeat policy.
// Returns: one level of the escalation ladder.
type EscalationLevel struct {
	Level                 int      `toml:"level"`
	DelayMinutes          int      `toml:"delay_minutes"`
	ContactRoles          []string `toml:"contact_roles"`
	Channels              []string `toml:"channels"`
	Repeat                bool     `toml:"repeat"`
	RepeatIntervalMinutes int      `toml:"repeat_interval_minutes"`
}

// OnCallConfig defines the static contact directory with shifts.
// Params: contact list.
// Returns: shift-aware contact resolution source.
type OnCallConfig struct {
	Contact []ContactConfig `toml:"contact"`
}

// ContactConfig describes one notifiable person.
// Params: identity, channel addresses, role, and shift list.
// Returns: contact directory entry.
type ContactConfig struct {
	ID     string        `toml:"id"`
	Name   string        `toml:"name"`
	Email  string        `toml:"email"`
	Phone  string        `toml:"phone"`
	ChatID string        `toml:"chat_id"`
	Role   string        `toml:"role"`
	Shift  []ShiftConfig `toml:"shift"`
}

// ShiftConfig describes one recurring on-call window.
// Params: weekday names and start/end hours (end exclusive; end<=start wraps midnight).
// Returns: shift entry; a contact without shifts is always on call.
type ShiftConfig struct {
	Days      []string `toml:"days"`
	StartHour int      `toml:"start_hour"`
	EndHour   int      `toml:"end_hour"`
}

// NotifyConfig defines outbound notification transports.
// Params: per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Telegram TelegramNotifier `toml:"telegram"`
	Webhook  WebhookNotifier  `toml:"webhook"`
	SMS      SMSNotifier      `toml:"sms"`
}

// NamedTemplateConfig describes one reusable message template within one channel section.
// Params: template name and Go text/template body.
// Returns: template entry referenced from escalation dispatch.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// TelegramNotifier defines Telegram chat channel settings.
// Params: enabled flag, bot token, API base URL, and retry policy.
// Returns: Telegram sender configuration; chat targets come from contacts.
type TelegramNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	BotToken     string                `toml:"bot_token"`
	APIBase      string                `toml:"api_base"`
	Template     string                `toml:"template"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// WebhookNotifier defines generic HTTP webhook channel settings.
// Params: enabled flag, endpoint URL, auth header, and timeouts.
// Returns: webhook sender configuration.
type WebhookNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          string                `toml:"url"`
	AuthHeader   string                `toml:"auth_header"`
	TimeoutMS    int                   `toml:"timeout_ms"`
	Template     string                `toml:"template"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// SMSNotifier defines HTTP SMS gateway channel settings.
// Params: enabled flag, gateway URL, API key, and sender id.
// Returns: SMS sender configuration.
type SMSNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	GatewayURL   string                `toml:"gateway_url"`
	APIKey       string                `toml:"api_key"`
	From         string                `toml:"from"`
	TimeoutMS    int                   `toml:"timeout_ms"`
	Template     string                `toml:"template"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays one fragment onto destination at section granularity.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if hasHTTPIngestConfig(src.Ingest.HTTP) {
		dst.Ingest.HTTP = src.Ingest.HTTP
	}
	if hasNATSIngestConfig(src.Ingest.NATS) {
		dst.Ingest.NATS = src.Ingest.NATS
	}
	if hasSuppressConfig(src.Suppress) {
		dst.Suppress = src.Suppress
	}
	if hasCorrelateConfig(src.Correlate) {
		dst.Correlate = src.Correlate
	}
	if len(src.Escalation.Policy) > 0 || src.Escalation.UpdateRetryMax != 0 || src.Escalation.UpdateRetryBackoffMS != 0 {
		dst.Escalation = src.Escalation
	}
	if len(src.OnCall.Contact) > 0 {
		dst.OnCall = src.OnCall
	}
	if hasNotifyConfig(src.Notify) {
		dst.Notify = src.Notify
	}
}

// applyDefaults fills absent settings with runtime defaults.
// Params: mutable config snapshot.
// Returns: config mutated in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "incidents"
	}
	if strings.TrimSpace(cfg.Service.Mode) == "" {
		cfg.Service.Mode = ServiceModeSingle
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	fillLogSinkDefaults(&cfg.Log.Console)
	fillLogSinkDefaults(&cfg.Log.File)

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.AlertPath) == "" {
		cfg.Ingest.HTTP.AlertPath = defaultAlertPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.IncidentPath) == "" {
		cfg.Ingest.HTTP.IncidentPath = defaultIncidentPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	cfg.Ingest.NATS.Subject = defaultNATSSubject
	cfg.Ingest.NATS.Stream = defaultNATSIngestStream
	cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
	if cfg.Ingest.NATS.Workers <= 0 {
		cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS <= 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}

	if cfg.Suppress.FlapThreshold <= 0 {
		cfg.Suppress.FlapThreshold = defaultFlapThreshold
	}
	if cfg.Suppress.FlapWindowSec <= 0 {
		cfg.Suppress.FlapWindowSec = defaultFlapWindowSec
	}
	if cfg.Suppress.DuplicateWindowSec <= 0 {
		cfg.Suppress.DuplicateWindowSec = defaultDuplicateWindowSec
	}
	if cfg.Suppress.OffHoursStartHour <= 0 {
		cfg.Suppress.OffHoursStartHour = defaultOffHoursStartHour
	}
	if cfg.Suppress.OffHoursEndHour <= 0 {
		cfg.Suppress.OffHoursEndHour = defaultOffHoursEndHour
	}

	if cfg.Correlate.WindowSec <= 0 {
		cfg.Correlate.WindowSec = defaultCorrelationWindowSec
	}
	if len(cfg.Correlate.PerformanceTypes) == 0 {
		cfg.Correlate.PerformanceTypes = []string{
			"SPEED_LOW",
			"CYCLE_TIME_HIGH",
			"EFFICIENCY_LOW",
			"OEE_LOW",
		}
	}
	for i := range cfg.Correlate.Cascade {
		if cfg.Correlate.Cascade[i].WindowSec <= 0 {
			cfg.Correlate.Cascade[i].WindowSec = defaultCorrelationWindowSec
		}
	}

	if cfg.Escalation.UpdateRetryMax <= 0 {
		cfg.Escalation.UpdateRetryMax = defaultUpdateRetryMax
	}
	if cfg.Escalation.UpdateRetryBackoffMS <= 0 {
		cfg.Escalation.UpdateRetryBackoffMS = defaultUpdateRetryBackoffMS
	}

	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	fillNotifyRetryDefaults(&cfg.Notify.Webhook.Retry)
	fillNotifyRetryDefaults(&cfg.Notify.SMS.Retry)
	if strings.TrimSpace(cfg.Notify.Telegram.Template) == "" {
		cfg.Notify.Telegram.Template = defaultNotifyTemplate
	}
	if strings.TrimSpace(cfg.Notify.Webhook.Template) == "" {
		cfg.Notify.Webhook.Template = defaultNotifyTemplate
	}
	if strings.TrimSpace(cfg.Notify.SMS.Template) == "" {
		cfg.Notify.SMS.Template = defaultNotifyTemplate
	}
	if cfg.Notify.Webhook.TimeoutMS <= 0 {
		cfg.Notify.Webhook.TimeoutMS = 5000
	}
	if cfg.Notify.SMS.TimeoutMS <= 0 {
		cfg.Notify.SMS.TimeoutMS = 5000
	}
}

// fillLogSinkDefaults fills level/format defaults for one sink.
// Params: mutable sink config.
// Returns: sink mutated in place.
func fillLogSinkDefaults(sink *LogSinkConfig) {
	if strings.TrimSpace(sink.Level) == "" {
		sink.Level = "info"
	}
	if strings.TrimSpace(sink.Format) == "" {
		sink.Format = "line"
	}
}

// fillNotifyRetryDefaults fills retry policy defaults.
// Params: mutable retry config.
// Returns: retry mutated in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if strings.TrimSpace(retry.Backoff) == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 10000
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
}

// validateConfig validates runtime configuration invariants.
// Params: config snapshot after defaults.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	switch NormalizeServiceMode(cfg.Service.Mode) {
	case ServiceModeSingle, ServiceModeNATS:
	default:
		return fmt.Errorf("service.mode %q is not supported; use %q or %q", cfg.Service.Mode, ServiceModeSingle, ServiceModeNATS)
	}

	if err := validateSuppress(cfg.Suppress); err != nil {
		return err
	}
	if err := validateCorrelate(cfg.Correlate); err != nil {
		return err
	}
	if err := validateEscalation(cfg.Escalation); err != nil {
		return err
	}
	if err := validateOnCall(cfg.OnCall); err != nil {
		return err
	}
	if _, err := validateNotifyTemplates(cfg.Notify); err != nil {
		return err
	}
	return nil
}

// validateSuppress validates suppression settings.
// Params: suppression config section.
// Returns: first validation error.
func validateSuppress(cfg SuppressConfig) error {
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("suppress.timezone %q: %w", cfg.Timezone, err)
		}
	}
	if cfg.OffHoursStartHour < 0 || cfg.OffHoursStartHour > 23 {
		return fmt.Errorf("suppress.off_hours_start_hour %d must be in 0..23", cfg.OffHoursStartHour)
	}
	if cfg.OffHoursEndHour < 1 || cfg.OffHoursEndHour > 24 {
		return fmt.Errorf("suppress.off_hours_end_hour %d must be in 1..24", cfg.OffHoursEndHour)
	}
	if cfg.OffHoursStartHour >= cfg.OffHoursEndHour {
		return errors.New("suppress off-hours start hour must be before end hour")
	}
	for i, window := range cfg.Maintenance {
		if strings.TrimSpace(window.EquipmentID) == "" {
			return fmt.Errorf("suppress.maintenance[%d].equipment_id is required", i)
		}
		if !window.End.After(window.Start) {
			return fmt.Errorf("suppress.maintenance[%d] end must be after start", i)
		}
	}
	for i, issue := range cfg.KnownIssue {
		if strings.TrimSpace(issue.EquipmentID) == "" {
			return fmt.Errorf("suppress.known_issue[%d].equipment_id is required", i)
		}
		if len(issue.AlertTypes) == 0 {
			return fmt.Errorf("suppress.known_issue[%d].alert_types is required", i)
		}
	}
	return nil
}

// validateCorrelate validates correlation settings.
// Params: correlation config section.
// Returns: first validation error.
func validateCorrelate(cfg CorrelateConfig) error {
	for i, pair := range cfg.Cascade {
		if strings.TrimSpace(pair.FromType) == "" || strings.TrimSpace(pair.ToType) == "" {
			return fmt.Errorf("correlate.cascade[%d] from_type/to_type are required", i)
		}
		if strings.EqualFold(pair.FromType, pair.ToType) {
			return fmt.Errorf("correlate.cascade[%d] from_type and to_type must differ", i)
		}
	}
	return nil
}

// validateEscalation validates policies and level ordering contracts.
// Params: escalation config section.
// Returns: first validation error.
func validateEscalation(cfg EscalationConfig) error {
	for i, policy := range cfg.Policy {
		if strings.TrimSpace(policy.Name) == "" {
			return fmt.Errorf("escalation.policy[%d].name is required", i)
		}
		for _, severity := range policy.Conditions.Severities {
			if !domain.Severity(strings.ToLower(strings.TrimSpace(severity))).Valid() {
				return fmt.Errorf("escalation.policy %q: unsupported severity %q", policy.Name, severity)
			}
		}
		if len(policy.Level) == 0 {
			return fmt.Errorf("escalation.policy %q must define at least one level", policy.Name)
		}
		for j, level := range policy.Level {
			if level.Level != j+1 {
				return fmt.Errorf("escalation.policy %q: levels must be contiguous from 1, got %d at position %d", policy.Name, level.Level, j)
			}
			if level.DelayMinutes < 0 {
				return fmt.Errorf("escalation.policy %q level %d: delay_minutes must be >=0", policy.Name, level.Level)
			}
			if len(level.Channels) == 0 {
				return fmt.Errorf("escalation.policy %q level %d: channels are required", policy.Name, level.Level)
			}
			for _, channel := range level.Channels {
				if _, ok := notifyChannelRegistry[strings.ToLower(strings.TrimSpace(channel))]; !ok {
					return fmt.Errorf("escalation.policy %q level %d: unsupported channel %q", policy.Name, level.Level, channel)
				}
			}
			if len(level.ContactRoles) == 0 {
				return fmt.Errorf("escalation.policy %q level %d: contact_roles are required", policy.Name, level.Level)
			}
			if level.Repeat && level.RepeatIntervalMinutes <= 0 {
				return fmt.Errorf("escalation.policy %q level %d: repeat_interval_minutes must be >0 when repeat is enabled", policy.Name, level.Level)
			}
		}
	}
	return nil
}

// validateOnCall validates the contact directory.
// Params: on-call config section.
// Returns: first validation error.
func validateOnCall(cfg OnCallConfig) error {
	seen := make(map[string]struct{}, len(cfg.Contact))
	for i, contact := range cfg.Contact {
		if strings.TrimSpace(contact.ID) == "" {
			return fmt.Errorf("oncall.contact[%d].id is required", i)
		}
		if _, dup := seen[contact.ID]; dup {
			return fmt.Errorf("oncall.contact id %q is duplicated", contact.ID)
		}
		seen[contact.ID] = struct{}{}
		if strings.TrimSpace(contact.Role) == "" {
			return fmt.Errorf("oncall.contact %q: role is required", contact.ID)
		}
		for j, shift := range contact.Shift {
			if shift.StartHour < 0 || shift.StartHour > 23 {
				return fmt.Errorf("oncall.contact %q shift[%d]: start_hour must be in 0..23", contact.ID, j)
			}
			if shift.EndHour < 0 || shift.EndHour > 24 {
				return fmt.Errorf("oncall.contact %q shift[%d]: end_hour must be in 0..24", contact.ID, j)
			}
			for _, day := range shift.Days {
				if _, ok := weekdayNames[strings.ToLower(strings.TrimSpace(day))]; !ok {
					return fmt.Errorf("oncall.contact %q shift[%d]: unsupported day %q", contact.ID, j, day)
				}
			}
		}
	}
	return nil
}

// validateNotifyTemplates parses all channel templates once for early errors.
// Params: notify config section.
// Returns: per-channel template map or first parse error.
func validateNotifyTemplates(notifyCfg NotifyConfig) (map[string]map[string]NamedTemplateConfig, error) {
	defaults := map[string]string{
		NotifyChannelTelegram: notifyCfg.Telegram.Template,
		NotifyChannelWebhook:  notifyCfg.Webhook.Template,
		NotifyChannelSMS:      notifyCfg.SMS.Template,
	}
	out := make(map[string]map[string]NamedTemplateConfig)
	for _, channel := range NotifyChannelNames() {
		if body := strings.TrimSpace(defaults[channel]); body != "" {
			if _, err := templatefmt.ParseNotificationTemplate(channel, body); err != nil {
				return nil, fmt.Errorf("notify.%s template: %w", channel, err)
			}
		}
		descriptor := notifyChannelRegistry[channel]
		templates := descriptor.templates(notifyCfg)
		if len(templates) == 0 {
			continue
		}
		byName := make(map[string]NamedTemplateConfig, len(templates))
		for _, entry := range templates {
			name := strings.ToLower(strings.TrimSpace(entry.Name))
			if name == "" {
				return nil, fmt.Errorf("notify.%s template name is required", channel)
			}
			if _, dup := byName[name]; dup {
				return nil, fmt.Errorf("notify.%s template %q is duplicated", channel, entry.Name)
			}
			if _, err := templatefmt.ParseNotificationTemplate(name, entry.Message); err != nil {
				return nil, fmt.Errorf("notify.%s template %q: %w", channel, entry.Name, err)
			}
			byName[name] = entry
		}
		out[channel] = byName
	}
	return out, nil
}

// NotifyChannelNames returns supported channels in deterministic order.
// Params: none.
// Returns: channel name list.
func NotifyChannelNames() []string {
	return notifyChannelOrder
}

// NotifyChannelEnabled reports whether one channel is enabled in config.
// Params: notify config and normalized channel name.
// Returns: true for known enabled channels.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return false
	}
	return descriptor.enabled(cfg)
}

// NotifyChannelRetry returns retry policy for one channel.
// Params: notify config and normalized channel name.
// Returns: channel retry policy (zero value for unknown channels).
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return NotifyRetry{}
	}
	return descriptor.retry(cfg)
}

// NotifyChannelTemplates returns named templates for one channel.
// Params: notify config and normalized channel name.
// Returns: template list (nil for unknown channels).
func NotifyChannelTemplates(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	descriptor, ok := notifyChannelRegistry[channel]
	if !ok {
		return nil
	}
	return descriptor.templates(cfg)
}

// NormalizeServiceMode canonicalizes service mode value.
// Params: raw mode string.
// Returns: lower-case trimmed mode.
func NormalizeServiceMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}

// SuppressLocation resolves the configured suppression timezone.
// Params: suppression config section.
// Returns: loaded location or local time when unset.
func SuppressLocation(cfg SuppressConfig) *time.Location {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	location, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return location
}

// WeekdayFromName maps short day name to time.Weekday.
// Params: short lower/upper-case day name.
// Returns: weekday and recognition flag.
func WeekdayFromName(name string) (time.Weekday, bool) {
	day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return day, ok
}

// hasHTTPIngestConfig reports whether fragment carries HTTP ingest settings.
// Params: HTTP ingest section.
// Returns: true when any field is set.
func hasHTTPIngestConfig(cfg HTTPIngestConfig) bool {
	return cfg.Enabled ||
		cfg.Listen != "" ||
		cfg.HealthPath != "" ||
		cfg.ReadyPath != "" ||
		cfg.AlertPath != "" ||
		cfg.IncidentPath != "" ||
		cfg.MaxBodyBytes != 0
}

// hasNATSIngestConfig reports whether fragment carries NATS ingest settings.
// Params: NATS ingest section.
// Returns: true when any field is set.
func hasNATSIngestConfig(cfg NATSIngestConfig) bool {
	return cfg.Enabled ||
		len(cfg.URL) > 0 ||
		cfg.Workers != 0 ||
		cfg.AckWaitSec != 0 ||
		cfg.NackDelayMS != 0 ||
		cfg.MaxDeliver != 0 ||
		cfg.MaxAckPending != 0
}

// hasSuppressConfig reports whether fragment carries suppression settings.
// Params: suppression section.
// Returns: true when any field is set.
func hasSuppressConfig(cfg SuppressConfig) bool {
	return cfg.Timezone != "" ||
		cfg.FlapThreshold != 0 ||
		cfg.FlapWindowSec != 0 ||
		cfg.DuplicateWindowSec != 0 ||
		cfg.OffHoursStartHour != 0 ||
		cfg.OffHoursEndHour != 0 ||
		len(cfg.Maintenance) > 0 ||
		len(cfg.KnownIssue) > 0
}

// hasCorrelateConfig reports whether fragment carries correlation settings.
// Params: correlation section.
// Returns: true when any field is set.
func hasCorrelateConfig(cfg CorrelateConfig) bool {
	return cfg.WindowSec != 0 ||
		len(cfg.PerformanceTypes) > 0 ||
		len(cfg.Cascade) > 0 ||
		len(cfg.Area) > 0
}

// hasNotifyConfig reports whether fragment carries notify settings.
// Params: notify section.
// Returns: true when any channel is configured.
func hasNotifyConfig(cfg NotifyConfig) bool {
	return cfg.Telegram.Enabled || cfg.Telegram.BotToken != "" ||
		cfg.Webhook.Enabled || cfg.Webhook.URL != "" ||
		cfg.SMS.Enabled || cfg.SMS.GatewayURL != ""
}

// normalizeNATSURLs trims and drops empty URL entries.
// Params: raw URL list from config.
// Returns: normalized URL list.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
