package events

import (
	"encoding/json"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods the sink never calls stay nil.
type fakeClient struct {
	mqtt.Client
	sent         []published
	disconnected uint
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return nil
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.disconnected = quiesce
}

func TestMQTTTopic(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		session string
		want    string
	}{
		{"default prefix", "", "abc", "keyflash/abc/progress"},
		{"custom prefix", "lab/bench1", "abc", "lab/bench1/abc/progress"},
		{"no session", "", "", "keyflash/unknown/progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMQTTSink(&fakeClient{}, tt.prefix)
			if got := s.Topic(tt.session); got != tt.want {
				t.Errorf("Topic(%q) = %q, want %q", tt.session, got, tt.want)
			}
		})
	}
}

func TestMQTTPublish(t *testing.T) {
	client := &fakeClient{}
	s := NewMQTTSink(client, "")

	var p Progress
	p.Set(StageLeft, 50, DualUnitWeights)
	s.Publish(NewEvent("abc", StageLeft, 50, p))

	if len(client.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.sent))
	}
	msg := client.sent[0]
	if msg.topic != "keyflash/abc/progress" {
		t.Errorf("topic = %q", msg.topic)
	}
	if msg.qos != 0 || msg.retained {
		t.Errorf("qos = %d, retained = %t, want 0 and false", msg.qos, msg.retained)
	}

	var got struct {
		Type       string  `json:"type"`
		Session    string  `json:"session"`
		Stage      string  `json:"stage"`
		Percentage float64 `json:"percentage"`
		Data       struct {
			GlobalProgress float64 `json:"globalProgress"`
			LeftProgress   float64 `json:"leftProgress"`
			RightProgress  float64 `json:"rightProgress"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload %s: %v", msg.payload, err)
	}
	if got.Type != IncrementEvent || got.Session != "abc" || got.Stage != "left" || got.Percentage != 50 {
		t.Errorf("payload = %+v", got)
	}
	if got.Data.LeftProgress != 50 || got.Data.RightProgress != 0 || !almostEqual(got.Data.GlobalProgress, 10) {
		t.Errorf("payload data = %+v, want left 50 and global 10", got.Data)
	}

	s.Close()
	if client.disconnected == 0 {
		t.Error("Close() did not disconnect the client")
	}
}
