// Package notify renders and delivers notification emails.
package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"github.com/sirupsen/logrus"
)

type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Mailer delivers a message and returns a provider reference (request or message id) when one exists.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

var ErrNoRecipients = errors.New("message has no recipients")

// NewMailerFromEnv builds the transport selected by NOTIFY_TRANSPORT.
func NewMailerFromEnv(logger *logrus.Logger) (Mailer, error) {
	switch config.NotifyTransport() {
	case config.NotifyTransportGraph:
		settings := config.GetGraphSettings()
		if !settings.Configured() {
			return nil, errors.New("GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER are required")
		}
		return NewGraphMailer(settings, &http.Client{Timeout: 30 * time.Second}), nil
	case config.NotifyTransportPubSub:
		topic := config.PubSubMailTopic()
		if topic == "" {
			return nil, errors.New("PUBSUB_MAIL_TOPIC is required")
		}
		return &PubSubMailer{Topic: topic}, nil
	default:
		return &LogMailer{Logger: logger}, nil
	}
}

// LogMailer only logs messages. Used in development when no provider is configured.
type LogMailer struct {
	Logger *logrus.Logger
}

func (m *LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	if m.Logger != nil {
		m.Logger.WithFields(logrus.Fields{
			"to":      msg.To,
			"subject": msg.Subject,
		}).Info("[notify.log] email not sent; log transport active")
	}
	return "", nil
}

// PubSubMailer hands messages to a mail relay subscribed to Topic.
type PubSubMailer struct {
	Topic string
}

func (m *PubSubMailer) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	return config.PublishJSON(ctx, m.Topic, msg, map[string]string{"kind": "email"})
}
