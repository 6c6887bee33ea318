package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jmylchreest/tagsync/internal/config"
)

// ErrMQTTTimeout is returned when the broker does not acknowledge in time.
var ErrMQTTTimeout = errors.New("mqtt operation timed out")

// MQTTPublisher is the part of a paho client the sink uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes events as JSON to <prefix>/<kind>.
type MQTTSink struct {
	client  MQTTPublisher
	prefix  string
	qos     byte
	timeout time.Duration
}

// NewMQTTSink wraps an existing client.
func NewMQTTSink(client MQTTPublisher, topicPrefix string, qos byte, timeout time.Duration) *MQTTSink {
	return &MQTTSink{
		client:  client,
		prefix:  strings.TrimRight(topicPrefix, "/"),
		qos:     qos,
		timeout: timeout,
	}
}

// DialMQTT connects to the configured broker and returns a sink.
func DialMQTT(cfg config.MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connecting to %s:%d: %w", cfg.Host, cfg.Port, ErrMQTTTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return NewMQTTSink(cli, cfg.TopicPrefix, cfg.QoS, cfg.ConnectTimeout), nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic an event of kind k is published on.
func (s *MQTTSink) Topic(k Kind) string {
	return s.prefix + "/" + strings.ReplaceAll(string(k), ".", "/")
}

// Handle implements Sink.
func (s *MQTTSink) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	token := s.client.Publish(s.Topic(e.Kind), s.qos, false, payload)
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); timeout <= 0 || d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return ErrMQTTTimeout
	}
	return token.Error()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
