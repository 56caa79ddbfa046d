package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/nholik/spot-sentinel/internal/transition"
)

const mqttPublishTimeout = 5 * time.Second

// publisher is the part of an MQTT connection the notifier needs.
type publisher interface {
	Publish(ctx context.Context, topic string, retained bool, payload []byte) error
	Close()
}

// MQTTNotifier publishes every transition as a JSON message on
// <topic>/<robot>/<resource>. Resource states are retained so late
// subscribers see the current state; mission outcomes are not.
type MQTTNotifier struct {
	logger    zerolog.Logger
	topic     string
	publisher publisher
}

// NewMQTTNotifier connects to broker and returns a notifier. It returns nil
// when broker is empty.
func NewMQTTNotifier(logger zerolog.Logger, broker, topic, clientID string) (*MQTTNotifier, error) {
	if broker == "" {
		return nil, nil
	}
	pub, err := dialMQTT(logger, broker, clientID)
	if err != nil {
		return nil, err
	}
	return newMQTTNotifier(logger, topic, pub), nil
}

func newMQTTNotifier(logger zerolog.Logger, topic string, pub publisher) *MQTTNotifier {
	return &MQTTNotifier{
		logger:    logger,
		topic:     strings.TrimSuffix(topic, "/"),
		publisher: pub,
	}
}

// Notify implements Notifier.
func (n *MQTTNotifier) Notify(ctx context.Context, robot string, transitions []transition.Transition) error {
	if n == nil {
		return nil
	}
	name := robotLabel(robot)
	var errs []error
	for _, change := range transitions {
		payload, err := json.Marshal(change)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s transition: %w", change.Resource, err))
			continue
		}
		topic := n.topic + "/" + name + "/" + change.Resource
		retained := change.Mission == nil
		if err := n.publisher.Publish(ctx, topic, retained, payload); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			continue
		}
		n.logger.Debug().Str("topic", topic).Msg("mqtt notification sent")
	}
	return errors.Join(errs...)
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n != nil {
		n.publisher.Close()
	}
}

type pahoPublisher struct {
	client mqtt.Client
}

func dialMQTT(logger zerolog.Logger, broker, clientID string) (*pahoPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(mqttPublishTimeout) {
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect: %w", err)
		}
	} else {
		logger.Warn().Str("broker", broker).Msg("mqtt broker not reachable yet, retrying in background")
	}
	return &pahoPublisher{client: client}, nil
}

func (p *pahoPublisher) Publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	token := p.client.Publish(topic, 1, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("mqtt publish timed out after %s", mqttPublishTimeout)
	}
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}
