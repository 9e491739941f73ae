package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pillmate/inventorywatch"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the part of paho.Client used here.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// NewMQTTClient connects to broker.
func NewMQTTClient(brokerURL, clientID string) (paho.Client, error) {
	opts := paho.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("while connecting to MQTT broker %s: %w", brokerURL, err)
	}
	return client, nil
}

type alertPayload struct {
	PIN      string   `json:"pin"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Messages []string `json:"messages"`
}

// MQTTNotifier publishes alerts to {topicRoot}/devices/{pin}/alerts, for home
// automation bridges and companion displays.
type MQTTNotifier struct {
	publisher Publisher
	topicRoot string
	timeout   time.Duration
}

func NewMQTTNotifier(publisher Publisher, topicRoot string) *MQTTNotifier {
	return &MQTTNotifier{
		publisher: publisher,
		topicRoot: strings.TrimSuffix(topicRoot, "/"),
		timeout:   10 * time.Second,
	}
}

func (n *MQTTNotifier) Topic(pin string) string {
	return fmt.Sprintf("%s/devices/%s/alerts", n.topicRoot, pin)
}

func (n *MQTTNotifier) Notify(ctx context.Context, alert inventorywatch.Alert) error {
	payload, err := json.Marshal(alertPayload{
		PIN:      alert.PIN,
		Title:    alert.Title,
		Body:     alert.Body,
		Messages: alert.Messages,
	})
	if err != nil {
		return fmt.Errorf("while encoding alert: %w", err)
	}

	topic := n.Topic(alert.PIN)
	token := n.publisher.Publish(topic, 1, false, payload)

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timed out publishing alert to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("while publishing alert to %s: %w", topic, err)
	}
	return nil
}
