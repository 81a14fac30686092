package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hourwatch/internal/config"
	"hourwatch/internal/core"
	"hourwatch/internal/notify"
)

// channels holds the outbound notifiers per report kind and the inbound
// acknowledgment channels.
type channels struct {
	due     *notify.MultiNotifier
	summary *notify.MultiNotifier
	alert   *notify.MultiNotifier

	// email replies are polled by the ack_poll job.
	email *core.InboundChannel
	// matrix messages are consumed by a sync loop.
	matrix *core.InboundChannel

	closers []func() error
}

func (c *channels) Close() {
	for _, fn := range c.closers {
		_ = fn()
	}
}

func buildChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*channels, error) {
	var due, summary, alert []notify.Notifier
	ch := &channels{}

	if cfg.Email.Enabled {
		mailer, err := notify.NewMailer(notify.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.Address,
		})
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}

		dueRcpt := notify.Recipients{To: cfg.Email.DueTo, Cc: cfg.Email.DueCc, Bcc: cfg.Email.DueBcc}
		summaryRcpt := notify.Recipients{To: cfg.Email.SummaryTo, Cc: cfg.Email.SummaryCc, Bcc: cfg.Email.SummaryBcc}
		if len(summaryRcpt.To)+len(summaryRcpt.Cc)+len(summaryRcpt.Bcc) == 0 {
			summaryRcpt = dueRcpt
		}
		alertRcpt := notify.Recipients{To: cfg.Email.AlertTo}
		if len(alertRcpt.To) == 0 {
			alertRcpt.To = []string{cfg.Email.Address}
		}

		for _, b := range []struct {
			rcpt notify.Recipients
			dst  *[]notify.Notifier
		}{
			{dueRcpt, &due},
			{summaryRcpt, &summary},
			{alertRcpt, &alert},
		} {
			n, err := notify.NewEmailNotifier(mailer, b.rcpt)
			if err != nil {
				return nil, fmt.Errorf("email: %w", err)
			}
			*b.dst = append(*b.dst, n)
		}

		inbox, err := notify.NewIMAPInbox(notify.IMAPConfig{
			Host:     cfg.Email.IMAPHost,
			Port:     cfg.Email.IMAPPort,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			Mailbox:  cfg.Email.Mailbox,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap: %w", err)
		}
		ch.email = &core.InboundChannel{Name: "email", Inbox: inbox, Replier: notify.NewEmailReplier(mailer)}
		logger.Info("email channel enabled", "address", cfg.Email.Address, "smtp", cfg.Email.SMTPHost, "imap", cfg.Email.IMAPHost)
	}

	if cfg.Matrix.Enabled {
		client, err := notify.NewMatrixClient(cfg.Matrix.Homeserver, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("matrix: %w", err)
		}
		if err := client.Connect(ctx, cfg.MatrixSessionPath(), cfg.Matrix.User, cfg.Matrix.Password); err != nil {
			return nil, fmt.Errorf("matrix: %w", err)
		}
		reportRoom, err := client.JoinRoom(ctx, cfg.Matrix.ReportRoom)
		if err != nil {
			return nil, fmt.Errorf("matrix: %w", err)
		}
		summaryRoom := reportRoom
		if cfg.Matrix.SummaryRoom != "" && cfg.Matrix.SummaryRoom != cfg.Matrix.ReportRoom {
			summaryRoom, err = client.JoinRoom(ctx, cfg.Matrix.SummaryRoom)
			if err != nil {
				return nil, fmt.Errorf("matrix: %w", err)
			}
		}
		due = append(due, notify.NewMatrixNotifier(client, reportRoom))
		summary = append(summary, notify.NewMatrixNotifier(client, summaryRoom))
		alert = append(alert, notify.NewMatrixNotifier(client, reportRoom))
		ch.matrix = &core.InboundChannel{
			Name:    "matrix",
			Inbox:   notify.NewMatrixInbox(client, reportRoom, cfg.Matrix.SyncTimeout),
			Replier: notify.NewMatrixReplier(client, reportRoom),
		}
		logger.Info("matrix channel enabled", "user", client.UserID(), "report_room", reportRoom, "summary_room", summaryRoom)
	}

	if cfg.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Bark.URL, cfg.Bark.Group)
		if err != nil {
			return nil, fmt.Errorf("bark: %w", err)
		}
		due = append(due, bark)
		alert = append(alert, bark.WithLevel(notify.BarkLevelTimeSensitive))
		logger.Info("bark notifications enabled")
	}

	if cfg.MQTT.Enabled {
		pub, err := notify.NewRealPublisher(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		ch.closers = append(ch.closers, pub.Close)
		due = append(due, notify.NewMQTTNotifier(pub, cfg.MQTT.TopicPrefix, core.KindDue))
		summary = append(summary, notify.NewMQTTNotifier(pub, cfg.MQTT.TopicPrefix, core.KindSummary))
		alert = append(alert, notify.NewMQTTNotifier(pub, cfg.MQTT.TopicPrefix, core.KindAlert))
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker)
	}

	ch.due = notify.NewMultiNotifier(due...)
	ch.summary = notify.NewMultiNotifier(summary...)
	ch.alert = notify.NewMultiNotifier(alert...)
	if ch.due.Len() == 0 {
		logger.Warn("no notification channel enabled; reports are only available over the API")
	}
	return ch, nil
}

// runInboundLoop processes inbound messages until ctx is done. The inbox
// Fetch long-polls, so the loop does not sleep between passes unless a pass
// fails.
func runInboundLoop(ctx context.Context, engine *core.Engine, ch core.InboundChannel, logger *slog.Logger) {
	const maxBackoff = time.Minute
	backoff := time.Second
	for ctx.Err() == nil {
		if _, err := engine.ProcessInbound(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("inbound pass failed", "channel", ch.Name, "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
	}
}
