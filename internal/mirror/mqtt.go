// Package mirror republishes persisted device state over MQTT so dashboards
// and home-automation hubs can follow a device without polling the API.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/telemyapp/dwarf-link/internal/metrics"
	"github.com/telemyapp/dwarf-link/internal/state"
)

var errTimeout = errors.New("mqtt operation timed out")

// Publisher is the subset of mqtt.Client the mirror needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Options struct {
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// Mirror is a state.Persister that writes through to next and then publishes
// the value as a retained message on <prefix>/<address>/<key>.
type Mirror struct {
	next    state.Persister
	pub     Publisher
	prefix  string
	qos     byte
	timeout time.Duration
	log     *slog.Logger
}

func New(next state.Persister, pub Publisher, opts Options, log *slog.Logger) *Mirror {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "dwarf"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	return &Mirror{
		next:    next,
		pub:     pub,
		prefix:  strings.TrimRight(opts.TopicPrefix, "/"),
		qos:     opts.QoS,
		timeout: opts.Timeout,
		log:     log,
	}
}

// PutState returns the result of the underlying write. Publish failures are
// logged and counted only.
func (m *Mirror) PutState(ctx context.Context, address, key, value string) error {
	if err := m.next.PutState(ctx, address, key, value); err != nil {
		return err
	}
	topic := m.Topic(address, key)
	if err := m.publish(topic, value); err != nil {
		metrics.Default().IncCounter("dwarf_mqtt_publish_total", map[string]string{"status": "error"})
		m.log.Warn("state mirror publish failed", "event", "mqtt_publish_failed", "topic", topic, "err", err)
		return nil
	}
	metrics.Default().IncCounter("dwarf_mqtt_publish_total", map[string]string{"status": "ok"})
	return nil
}

func (m *Mirror) Topic(address, key string) string {
	return m.prefix + "/" + address + "/" + key
}

func (m *Mirror) publish(topic, value string) error {
	tok := m.pub.Publish(topic, m.qos, true, value)
	if !tok.WaitTimeout(m.timeout) {
		return errTimeout
	}
	return tok.Error()
}

// Connect dials the broker and returns a client with auto-reconnect enabled.
func Connect(brokerURL, clientID string, timeout time.Duration, log *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "event", "mqtt_connection_lost", "err", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", "event", "mqtt_connected", "broker", brokerURL)
		})
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect mqtt %s: %w", brokerURL, errTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", brokerURL, err)
	}
	return client, nil
}
