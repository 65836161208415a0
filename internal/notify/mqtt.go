// Package notify publishes new attendance records to external systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/ledger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// NewClientFunc builds the paho client. Tests swap it out.
var NewClientFunc = mqtt.NewClient

// ErrNotConnected is returned when publishing while the broker is unreachable.
var ErrNotConnected = errors.New("MQTT client is not connected")

type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	Topic    string
	Timeout  time.Duration
}

// Event is the JSON payload sent for each newly recorded identity.
type Event struct {
	Label      string    `json:"label"`
	Time       string    `json:"time"`
	Session    string    `json:"session"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MQTTPublisher sends one non-retained QoS 1 message per new attendance record.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	session string
	timeout time.Duration
	now     func() time.Time
}

// NewMQTTPublisher configures a client with auto reconnect. Call Connect before use.
func NewMQTTPublisher(cfg MQTTConfig, session string) *MQTTPublisher {
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Errorf("MQTT connection lost: %v. Attempting to reconnect...", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Infof("Successfully connected to MQTT broker: %s", brokerURL)
	})
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	return newPublisher(NewClientFunc(opts), cfg.Topic, session, cfg.Timeout)
}

func newPublisher(client mqtt.Client, topic, session string, timeout time.Duration) *MQTTPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{
		client:  client,
		topic:   strings.TrimSuffix(topic, "/"),
		session: session,
		timeout: timeout,
		now:     time.Now,
	}
}

// Connect dials the broker and waits for the first connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	if err := wait(ctx, token, p.timeout); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	return nil
}

// Notify publishes rec on <topic>/<label>.
func (p *MQTTPublisher) Notify(ctx context.Context, rec ledger.Record) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(Event{
		Label:      rec.Label,
		Time:       rec.Time,
		Session:    p.session,
		RecordedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload to JSON: %w", err)
	}

	topic := Topic(p.topic, rec.Label)
	token := p.client.Publish(topic, 1, false, payload)
	if err := wait(ctx, token, p.timeout); err != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	log.Debugf("Published message to topic: %s", topic)
	return nil
}

// Close disconnects, allowing 250ms for in-flight messages.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		p.client.Disconnect(250)
	}
}

// Topic joins base and label, replacing characters that are not valid in a publish topic.
func Topic(base, label string) string {
	label = strings.Map(func(r rune) rune {
		switch r {
		case '+', '#', '/':
			return '_'
		}
		return r
	}, label)
	if base == "" {
		return label
	}
	return base + "/" + label
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
