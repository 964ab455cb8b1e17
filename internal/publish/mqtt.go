package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"
)

const (
	// DefaultPublishTimeout bounds the wait for a broker acknowledgement.
	DefaultPublishTimeout = 2 * time.Second
	// DefaultTopicPrefix is prepended to event names.
	DefaultTopicPrefix = "amdgpu"

	// DefaultMaxInFlight caps publishes still waiting for an acknowledgement.
	DefaultMaxInFlight = 16

	disconnectQuiesce  = 250 // milliseconds
	failureLogInterval = time.Minute
)

var (
	// ErrNotConnected is returned while the broker connection is down.
	ErrNotConnected = errors.New("mqtt not connected")
	// ErrPublishTimeout is reported when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("mqtt publish timed out")
	// ErrBacklog is returned while too many publishes are unacknowledged.
	ErrBacklog = errors.New("mqtt publish backlog full")
)

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	PublishTimeout time.Duration
	MaxInFlight    int
}

// mqttClient is the subset of mqtt.Client used by the sink.
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes JSON encoded events to <prefix>/<event>. Publish hands the
// message to the client and returns; acknowledgements are awaited in the
// background and failures are counted and logged.
type MQTT struct {
	client  mqttClient
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
	logger  *slog.Logger

	inFlight chan struct{}
	waiters  sync.WaitGroup
	failures atomic.Uint64
	failLog  rate.Sometimes
}

// NewMQTT connects to the broker in the background and returns the sink.
// The client reconnects on its own; publishes fail fast with ErrNotConnected meanwhile.
func NewMQTT(opts MQTTOptions, logger *slog.Logger) (*MQTT, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("mqtt client id is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "mqtt", "broker", opts.Broker)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "err", err)
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	// With ConnectRetry the token only completes once connected; do not wait on it.
	client.Connect()

	return newMQTT(client, opts, logger)
}

func newMQTT(client mqttClient, opts MQTTOptions, logger *slog.Logger) (*MQTT, error) {
	if opts.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", opts.QoS)
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MQTT{
		client:   client,
		prefix:   strings.TrimSuffix(opts.TopicPrefix, "/"),
		qos:      opts.QoS,
		retain:   opts.Retain,
		timeout:  opts.PublishTimeout,
		logger:   logger,
		inFlight: make(chan struct{}, opts.MaxInFlight),
		failLog:  rate.Sometimes{First: 1, Interval: failureLogInterval},
	}, nil
}

// Topic returns the topic used for an event.
func (m *MQTT) Topic(event string) string {
	return m.prefix + "/" + event
}

// Publish implements Sink. It never waits for the broker.
func (m *MQTT) Publish(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	select {
	case m.inFlight <- struct{}{}:
	default:
		return fmt.Errorf("%w: %d unacknowledged", ErrBacklog, cap(m.inFlight))
	}

	topic := m.Topic(event)
	token := m.client.Publish(topic, m.qos, m.retain, body)

	m.waiters.Add(1)
	go m.awaitAck(topic, token)
	return nil
}

// Pending reports publishes still waiting for an acknowledgement.
func (m *MQTT) Pending() int {
	return len(m.inFlight)
}

// Failures reports publishes that were rejected or never acknowledged.
func (m *MQTT) Failures() uint64 {
	return m.failures.Load()
}

func (m *MQTT) awaitAck(topic string, token mqtt.Token) {
	defer func() {
		<-m.inFlight
		m.waiters.Done()
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var err error
	select {
	case <-token.Done():
		if tokenErr := token.Error(); tokenErr != nil {
			err = fmt.Errorf("publish %s: %w", topic, tokenErr)
		}
	case <-timer.C:
		err = fmt.Errorf("%w: %s after %s", ErrPublishTimeout, topic, m.timeout)
	}
	if err == nil {
		return
	}

	m.failures.Add(1)
	m.failLog.Do(func() {
		m.logger.Warn("mqtt publish failed", "topic", topic, "err", err)
	})
}

// Close disconnects from the broker and waits for outstanding acknowledgements
// to settle, which takes at most the publish timeout.
func (m *MQTT) Close() {
	m.client.Disconnect(disconnectQuiesce)
	m.waiters.Wait()
}
