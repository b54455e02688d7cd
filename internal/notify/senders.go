package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"incidents/internal/config"
	"incidents/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSender sends notifications to per-contact Telegram chats.
// Params: bot token and API base URL from config; chat ids come from contacts.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram bot token is required"))
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if strings.TrimSpace(cfg.APIBase) != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("init telegram bot: %w", err))
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one notification message to the contact's Telegram chat.
// Params: context and notification payload.
// Returns: transport error; a contact without chat id is a permanent error.
func (s *TelegramSender) Send(ctx context.Context, notification Notification) error {
	if s.initErr != nil {
		return s.initErr
	}
	chatID := strings.TrimSpace(notification.Contact.ChatID)
	if chatID == "" {
		return permanent.Mark(fmt.Errorf("contact %s has no telegram chat id", notification.Contact.ID))
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(chatID),
		Text:      notification.Message,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: chat ID value from the contact directory.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	if numeric, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return numeric
	}
	return raw
}

// WebhookSender posts the notification as JSON to one HTTP endpoint.
// Params: endpoint URL, auth header, and timeout from config.
// Returns: generic webhook sender.
type WebhookSender struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSender creates webhook sender.
// Params: webhook notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return config.NotifyChannelWebhook
}

// Send delivers JSON payload to the configured webhook endpoint.
// Params: context and notification payload.
// Returns: transport or HTTP error; 4xx statuses are permanent.
func (s *WebhookSender) Send(ctx context.Context, notification Notification) error {
	payload := struct {
		IncidentID     string `json:"incidentId"`
		CorrelationKey string `json:"correlationKey"`
		EquipmentID    string `json:"equipmentId"`
		Type           string `json:"type"`
		Severity       string `json:"severity"`
		Status         string `json:"status"`
		Level          int    `json:"level"`
		ContactID      string `json:"contactId"`
		Message        string `json:"message"`
	}{
		IncidentID:     notification.Incident.ID,
		CorrelationKey: notification.Incident.CorrelationKey,
		EquipmentID:    notification.Incident.EquipmentID,
		Type:           notification.Incident.Type,
		Severity:       string(notification.Incident.Severity),
		Status:         string(notification.Incident.Status),
		Level:          notification.Level,
		ContactID:      notification.Contact.ID,
		Message:        notification.Message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode webhook payload: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build webhook request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	if header := strings.TrimSpace(s.cfg.AuthHeader); header != "" {
		if name, value, ok := strings.Cut(header, ":"); ok {
			request.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return statusError("webhook", response)
	}
	return nil
}

// SMSSender sends short messages through an HTTP SMS gateway.
// Params: gateway URL, API key, and sender id from config.
// Returns: SMS channel sender.
type SMSSender struct {
	cfg    config.SMSNotifier
	client *http.Client
}

// NewSMSSender creates SMS gateway sender.
// Params: SMS notifier config.
// Returns: initialized sender.
func NewSMSSender(cfg config.SMSNotifier) *SMSSender {
	return &SMSSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *SMSSender) Channel() string {
	return config.NotifyChannelSMS
}

// Send posts one message to the SMS gateway for the contact's phone number.
// Params: context and notification payload.
// Returns: transport or HTTP error; a contact without phone is permanent.
func (s *SMSSender) Send(ctx context.Context, notification Notification) error {
	phone := strings.TrimSpace(notification.Contact.Phone)
	if phone == "" {
		return permanent.Mark(fmt.Errorf("contact %s has no phone number", notification.Contact.ID))
	}

	form := url.Values{}
	form.Set("to", phone)
	form.Set("from", s.cfg.From)
	form.Set("text", notification.Message)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build sms request: %w", err))
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if key := strings.TrimSpace(s.cfg.APIKey); key != "" {
		request.Header.Set("Authorization", "Bearer "+key)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("sms send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return statusError("sms", response)
	}
	return nil
}

// statusError formats a non-2xx HTTP response with optional body.
// 4xx statuses are marked permanent so the dispatcher stops retrying.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func statusError(prefix string, response *http.Response) error {
	var err error
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 2048))
	trimmedBody := strings.TrimSpace(string(rawBody))
	switch {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmedBody == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	if response.StatusCode >= 400 && response.StatusCode < 500 {
		return permanent.Mark(err)
	}
	return err
}
