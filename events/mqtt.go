package events

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"KeyFlash/logger"
)

// MQTTSink publishes progress events as JSON to
// "<prefix>/<session>/progress" so remote dashboards can follow a flash.
type MQTTSink struct {
	client mqtt.Client
	prefix string
}

// NewMQTTSink wraps an already configured client.
func NewMQTTSink(client mqtt.Client, prefix string) *MQTTSink {
	if prefix == "" {
		prefix = "keyflash"
	}
	return &MQTTSink{client: client, prefix: prefix}
}

// DialMQTT connects to the broker at rawURL, giving up after timeout.
func DialMQTT(rawURL, clientID string, timeout time.Duration) (mqtt.Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt url parse: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.ClientID = clientID
	opts.Servers = []*url.URL{u}
	opts.SetConnectTimeout(timeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("Connected to MQTT broker %s", u.Host)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WarnWithError(err, "MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out after %s", u.Host, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", u.Host, err)
	}
	return client, nil
}

// Topic is the topic events for session are published on.
func (s *MQTTSink) Topic(session string) string {
	if session == "" {
		session = "unknown"
	}
	return fmt.Sprintf("%s/%s/progress", s.prefix, session)
}

// Publish sends e without waiting for the broker acknowledgement.
func (s *MQTTSink) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		logger.WarnWithError(err, "Unable to marshal progress event")
		return
	}
	s.client.Publish(s.Topic(e.Session), 0, false, payload)
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(1500)
}
