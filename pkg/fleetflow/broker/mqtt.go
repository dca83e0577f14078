package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an MQTT subscription.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string

	// Buffer is the number of received messages held for Fetch.
	// Default: 256
	Buffer int

	// ConnectTimeout bounds the initial connect and subscribe.
	// Default: 10s
	ConnectTimeout time.Duration
}

// MQTTSubscription subscribes at QoS 1 with automatic acks disabled, so a
// PUBACK is only sent once the processor acks the message. The session is
// persistent, which makes the broker redeliver unacked messages after a
// reconnect.
type MQTTSubscription struct {
	client mqtt.Client
	topic  string
	msgs   chan mqtt.Message
	done   chan struct{}
	once   sync.Once
}

// NewMQTTSubscription connects and subscribes.
func NewMQTTSubscription(ctx context.Context, cfg MQTTConfig) (*MQTTSubscription, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	s := newMQTTSubscription(cfg.Topic, cfg.Buffer)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetAutoAckDisabled(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(c mqtt.Client) {
		// resubscribe after every reconnect
		c.Subscribe(cfg.Topic, 1, s.deliver)
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if err := waitToken(ctx, token, cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, err)
	}
	return s, nil
}

func newMQTTSubscription(topic string, buffer int) *MQTTSubscription {
	return &MQTTSubscription{
		topic: topic,
		msgs:  make(chan mqtt.Message, buffer),
		done:  make(chan struct{}),
	}
}

// deliver is the message handler. It blocks while the buffer is full and
// drops the message once the subscription is closed; the missing PUBACK
// makes the broker redeliver it.
func (s *MQTTSubscription) deliver(_ mqtt.Client, msg mqtt.Message) {
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch implements Subscription. Buffered messages are not handed out after
// Close.
func (s *MQTTSubscription) Fetch(ctx context.Context) (Message, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	select {
	case msg := <-s.msgs:
		return &mqttMessage{msg: msg}, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Subscription.
func (s *MQTTSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.client == nil {
			return
		}
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		s.client.Disconnect(250)
	})
	return nil
}

type mqttMessage struct {
	msg  mqtt.Message
	once sync.Once
}

func (m *mqttMessage) Payload() []byte { return m.msg.Payload() }
func (m *mqttMessage) Key() string     { return m.msg.Topic() }

func (m *mqttMessage) Ack(context.Context) error {
	m.once.Do(m.msg.Ack)
	return nil
}

// Nack withholds the PUBACK; the broker redelivers on the next session.
func (m *mqttMessage) Nack(context.Context) error {
	m.once.Do(func() {})
	return nil
}

var _ Subscription = (*MQTTSubscription)(nil)
