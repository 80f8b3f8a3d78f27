// Package events publishes command store changes to an MQTT broker so that
// dashboards can follow actuator state without polling. Devices do not
// subscribe to it; they keep polling the command endpoint.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"agrisync/core-go/internal/commands"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Options struct {
	TopicPrefix    string
	QueueSize      int
	PublishTimeout time.Duration
}

// Message is the JSON payload published per change.
type Message struct {
	DeviceID string          `json:"device_id"`
	Commands commands.Vector `json:"commands"`
	Origin   commands.Origin `json:"origin"`
	Source   commands.Origin `json:"source"`
	Applied  bool            `json:"applied"`
	At       time.Time       `json:"at"`
}

// Publisher queues changes and publishes them from a single goroutine. When
// the queue is full the change is dropped and logged; Notify never blocks.
type Publisher struct {
	log     zerolog.Logger
	client  Client
	prefix  string
	timeout time.Duration
	queue   chan commands.Change
}

func NewPublisher(log zerolog.Logger, client Client, opts Options) *Publisher {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	prefix := strings.TrimRight(strings.TrimSpace(opts.TopicPrefix), "/")
	if prefix == "" {
		prefix = "agrisync/commands"
	}
	return &Publisher{
		log:     log,
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		queue:   make(chan commands.Change, size),
	}
}

// Notify enqueues c. It has the signature commands.WithChangeHook expects.
func (p *Publisher) Notify(c commands.Change) {
	select {
	case p.queue <- c:
	default:
		p.log.Warn().Str("device_id", c.DeviceID).Msg("command event queue full; dropping change")
	}
}

// Run publishes queued changes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.queue:
			if err := p.publish(c); err != nil {
				p.log.Warn().Err(err).Str("device_id", c.DeviceID).Msg("publish command event failed")
			}
		}
	}
}

// Topic returns the topic changes for deviceID are published on.
func (p *Publisher) Topic(deviceID string) string {
	return p.prefix + "/" + deviceID
}

func (p *Publisher) publish(c commands.Change) error {
	payload, err := json.Marshal(Message{
		DeviceID: c.DeviceID,
		Commands: c.Vector,
		Origin:   c.Origin,
		Source:   c.Source,
		Applied:  c.Applied,
		At:       c.At.UTC(),
	})
	if err != nil {
		return err
	}

	token := p.client.Publish(p.Topic(c.DeviceID), 1, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out after %s", p.Topic(c.DeviceID), p.timeout)
	}
	return token.Error()
}

type ConnectConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// MaxElapsed bounds the connect retries.
	MaxElapsed time.Duration
}

// Connect dials the broker with exponential backoff. The client is
// disconnected when ctx is cancelled.
func Connect(ctx context.Context, log zerolog.Logger, cfg ConnectConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 10 * time.Second
	}

	var client mqtt.Client
	err := backoff.RetryNotify(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Str("broker", cfg.Broker).Msg("mqtt broker not reachable yet")
	})
	if err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}

	log.Info().Str("broker", cfg.Broker).Msg("connected to mqtt broker")
	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return client, nil
}
