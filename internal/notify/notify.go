package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"

	"incidents/internal/config"
	"incidents/internal/domain"
	"incidents/internal/oncall"
	"incidents/internal/permanent"
	"incidents/internal/templatefmt"
)

// Notification carries one outbound delivery for one contact on one channel.
// Params: incident snapshot, escalation level, resolved contact, and message.
// Returns: payload handed to channel senders after template rendering.
type Notification struct {
	Channel  string
	Incident domain.Incident
	Level    int
	Contact  oncall.Contact
	Message  string
}

// ChannelSender sends one outbound notification to one channel.
// Params: context and notification payload.
// Returns: transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification Notification) error
}

// compiledTemplate holds parsed template with channel binding.
type compiledTemplate struct {
	channel string
	body    *template.Template
}

// Dispatcher delivers notifications with per-channel retry policy.
// Delivery failures are channel-local; the caller records them per contact
// and continues.
// Params: sender set, retry policies, and compiled templates.
// Returns: send helper for escalation dispatch.
type Dispatcher struct {
	senders      map[string]ChannelSender
	channels     []string
	retries      map[string]config.NotifyRetry
	logger       *slog.Logger
	templates    map[string]compiledTemplate
	templateErrs map[string]error
}

// NewDispatcher builds notification dispatcher from enabled channels.
// Params: global notify config and logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender := newSenderForChannel(channel, cfg)
		if sender == nil {
			continue
		}
		senders[channel] = sender
		retries[channel] = config.NotifyChannelRetry(cfg, channel)
	}
	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	compiledTemplates, templateErrs := buildTemplateSet(cfg)
	return &Dispatcher{
		senders:      senders,
		channels:     channels,
		retries:      retries,
		logger:       logger,
		templates:    compiledTemplates,
		templateErrs: templateErrs,
	}
}

// newSenderForChannel builds transport sender implementation for one channel key.
// Params: normalized channel key and full notify config.
// Returns: channel sender or nil when channel is unknown.
func newSenderForChannel(channel string, cfg config.NotifyConfig) ChannelSender {
	switch channel {
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelWebhook:
		return NewWebhookSender(cfg.Webhook)
	case config.NotifyChannelSMS:
		return NewSMSSender(cfg.SMS)
	default:
		return nil
	}
}

// Send renders and delivers one notification with the channel retry policy.
// Params: destination channel and notification payload.
// Returns: final error after retries; permanent errors are not retried.
func (d *Dispatcher) Send(ctx context.Context, channel string, notification Notification) error {
	sender, ok := d.senders[channel]
	if !ok {
		return permanent.Mark(fmt.Errorf("notify channel %q is not configured", channel))
	}

	rendered := notification
	rendered.Channel = channel
	message, err := d.renderMessage(channel, rendered)
	if err != nil {
		return permanent.Mark(err)
	}
	rendered.Message = message

	return d.sendWithRetry(ctx, sender, rendered, d.retries[channel])
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, notification Notification, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond

	for {
		attempt++
		err := sender.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt && d.logger != nil {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Channels returns configured channel list.
// Params: none.
// Returns: deterministic sender keys.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// renderMessage renders the channel message template for one notification.
// The channel default template is used unless a named template overrides it.
// Params: channel key and notification payload.
// Returns: rendered message body.
func (d *Dispatcher) renderMessage(channel string, notification Notification) (string, error) {
	key := templateKey(channel, "default")
	if err, ok := d.templateErrs[key]; ok && err != nil {
		return "", fmt.Errorf("notify template for channel %q is invalid: %w", channel, err)
	}
	compiled, ok := d.templates[key]
	if !ok || compiled.body == nil {
		return "", fmt.Errorf("notify template for channel %q is not configured", channel)
	}
	var rendered strings.Builder
	if err := compiled.body.Execute(&rendered, notification); err != nil {
		return "", fmt.Errorf("render notify template for channel %q: %w", channel, err)
	}
	return rendered.String(), nil
}

// buildTemplateSet compiles channel default and named templates.
// Params: notify config snapshot.
// Returns: compiled template lookup and parse errors by template key.
func buildTemplateSet(cfg config.NotifyConfig) (map[string]compiledTemplate, map[string]error) {
	compiled := make(map[string]compiledTemplate)
	parseErrs := make(map[string]error)
	defaults := map[string]string{
		config.NotifyChannelTelegram: cfg.Telegram.Template,
		config.NotifyChannelWebhook:  cfg.Webhook.Template,
		config.NotifyChannelSMS:      cfg.SMS.Template,
	}
	for _, channel := range config.NotifyChannelNames() {
		if body := defaults[channel]; strings.TrimSpace(body) != "" {
			collectCompiledTemplate(compiled, parseErrs, channel, "default", body)
		}
		for _, named := range config.NotifyChannelTemplates(cfg, channel) {
			name := strings.ToLower(strings.TrimSpace(named.Name))
			if name == "" {
				continue
			}
			collectCompiledTemplate(compiled, parseErrs, channel, name, named.Message)
		}
	}
	return compiled, parseErrs
}

// collectCompiledTemplate compiles one template into the dispatcher maps.
// Params: destination maps, channel key, template name, and body.
// Returns: compiled template side-effects into destination maps.
func collectCompiledTemplate(compiled map[string]compiledTemplate, parseErrs map[string]error, channel, name, body string) {
	key := templateKey(channel, name)
	entry, err := templatefmt.ParseNotificationTemplate("notify."+channel+"."+name, body)
	if err != nil {
		parseErrs[key] = err
	}
	compiled[key] = compiledTemplate{channel: channel, body: entry}
}

// templateKey builds deterministic template lookup key by channel+template.
// Params: normalized channel and template names.
// Returns: unique dispatcher lookup key.
func templateKey(channel, name string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "/" + strings.ToLower(strings.TrimSpace(name))
}
