// Package notifier turns CheckFailed/ServiceStatusChanged events into
// outward notifications. Grounded on nyxmon's entrypoints/cli.py, which
// wires a LoggingNotifier by default and swaps in an
// AsyncTelegramNotifier when --enable-telegram is passed, reading its
// bot token and chat id from TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// Sink receives a rendered notification message.
type Sink interface {
	Notify(ctx context.Context, message string) error
}

// LoggingSink writes notifications through structured logging instead
// of an outward channel — the default when Telegram is not enabled.
type LoggingSink struct {
	log *zap.Logger
}

func NewLoggingSink(log *zap.Logger) *LoggingSink {
	return &LoggingSink{log: log}
}

func (s *LoggingSink) Notify(ctx context.Context, message string) error {
	s.log.Warn("notification", zap.String("message", message))
	return nil
}

// TelegramSink posts to the Telegram Bot HTTP API. No Telegram SDK
// appears anywhere in the retrieval pack, so this speaks the bot API
// directly over net/http rather than importing an unrelated client.
type TelegramSink struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{botToken: botToken, chatID: chatID, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *TelegramSink) Notify(ctx context.Context, message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.botToken)
	body, err := json.Marshal(map[string]string{
		"chat_id": s.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier listens for CheckFailed/ServiceStatusChanged events and
// forwards a rendered message to Sink.
type Notifier struct {
	sink Sink
	log  *zap.Logger
}

func New(sink Sink, log *zap.Logger) *Notifier {
	return &Notifier{sink: sink, log: log}
}

// OnCheckFailed is registered as an EventListener for domain.CheckFailed.
func (n *Notifier) OnCheckFailed(ctx context.Context, evt domain.Event) ([]domain.Message, error) {
	e := evt.(domain.CheckFailed)
	message := fmt.Sprintf("check %q (id=%d) is now %s (was %s)",
		e.Check.Name, e.Check.ID, e.NewStatus, e.OldStatus)
	if err := n.sink.Notify(ctx, message); err != nil {
		n.log.Warn("failed to deliver notification", zap.Error(err))
	}
	return nil, nil
}

// OnServiceStatusChanged is registered as an EventListener for
// domain.ServiceStatusChanged.
func (n *Notifier) OnServiceStatusChanged(ctx context.Context, evt domain.Event) ([]domain.Message, error) {
	e := evt.(domain.ServiceStatusChanged)
	message := fmt.Sprintf("service %q (id=%d) is now %s (was %s)",
		e.Service.Name, e.Service.ID, e.NewStatus, e.OldStatus)
	if err := n.sink.Notify(ctx, message); err != nil {
		n.log.Warn("failed to deliver notification", zap.Error(err))
	}
	return nil, nil
}
