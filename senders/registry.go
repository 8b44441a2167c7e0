package senders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fiffu/archivist/config"
	"github.com/fiffu/archivist/lib/models"
	"github.com/fiffu/archivist/senders/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoSender = errors.New("no sender configured")

type Sender interface {
	Send(ctx context.Context, subject, body, recipient string) (string, error)
}

type Registry map[string]Sender

func NewSenderRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, transport http.RoundTripper) Registry {
	reg := Registry{}
	if cfg.Mailgun.Domain == "" {
		log.Sugar().Warn("Mailgun domain not configured, email notifications disabled")
		return reg
	}
	reg["email"] = &mailgunSender{base{log, cfg, transport}}
	return reg
}

type base struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}

// Notifier emails the operator when a subscription is quarantined.
type Notifier struct {
	senders   Registry
	recipient string
	log       *zap.Logger
	now       func() time.Time
}

func NewNotifier(cfg *config.Config, senders Registry, log *zap.Logger) *Notifier {
	return &Notifier{senders, cfg.NotifyRecipient, log, models.Now}
}

func (n *Notifier) NotifyQuarantine(ctx context.Context, sub *models.Subscription, cause error) error {
	if n.recipient == "" {
		return nil
	}
	sender, ok := n.senders["email"]
	if !ok {
		return ErrNoSender
	}

	format := &email.QuarantineEmailFormat{Subscription: sub, At: n.now()}
	if cause != nil {
		format.Cause = cause.Error()
	}

	id, err := sender.Send(ctx, format.Subject(), format.Body(), n.recipient)
	if err != nil {
		return fmt.Errorf("notify quarantine of subscription %d: %w", sub.ID, err)
	}
	n.log.Sugar().Infow("Quarantine notice sent", "subscription_id", sub.ID, "message_id", id)
	return nil
}
