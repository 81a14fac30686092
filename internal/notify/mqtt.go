package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes raw payloads to an MQTT broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close() error
}

// MQTTOptions configures RealPublisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
}

// NewRealPublisher connects to the broker in opts.
func NewRealPublisher(opts MQTTOptions) (*RealPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if opts.ClientID == "" {
		opts.ClientID = "hourwatch"
	}
	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	client := paho.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return &RealPublisher{client: client}, nil
}

// Publish sends payload with QoS 1, not retained.
func (p *RealPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// IsConnected reports whether the client currently holds a connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

// ReportPayload is the MQTT message body for a report.
type ReportPayload struct {
	Report ReportMessage `json:"report"`
}

type ReportMessage struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// FormatReportPayload builds the JSON payload for one report.
func FormatReportPayload(ts time.Time, kind, title, body string) ([]byte, error) {
	return json.Marshal(ReportPayload{Report: ReportMessage{
		Timestamp: ts.UTC().Format(time.RFC3339),
		Kind:      kind,
		Title:     title,
		Body:      body,
	}})
}

// MQTTNotifier publishes reports of one kind to <prefix>/<kind>.
type MQTTNotifier struct {
	pub   Publisher
	topic string
	kind  string
	now   func() time.Time
}

func NewMQTTNotifier(pub Publisher, prefix, kind string) *MQTTNotifier {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = "hourwatch"
	}
	return &MQTTNotifier{pub: pub, topic: prefix + "/" + kind, kind: kind, now: time.Now}
}

func (m *MQTTNotifier) Name() string { return "mqtt" }

// Topic returns the topic reports are published to.
func (m *MQTTNotifier) Topic() string { return m.topic }

func (m *MQTTNotifier) Send(ctx context.Context, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := FormatReportPayload(m.now(), m.kind, title, body)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return m.pub.Publish(m.topic, payload)
}
