package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/asterisk-dialer/internal/call"
)

// MQTTSink publishes transitions and counter movements to an MQTT broker.
// It doubles as the Notifier. Topic layout:
//
//	<prefix>/call/<call_id>/<state>      transition payloads
//	<prefix>/campaign/<campaign_id>      counter movements
//	<prefix>/notify/<recipient>          notifications
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// NewMQTTSink creates and connects an MQTT sink.
func NewMQTTSink(opts MQTTOptions) (*MQTTSink, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTSink{client: client, prefix: opts.TopicPrefix, qos: opts.QoS}, nil
}

// transitionPayload is the JSON structure published per transition.
type transitionPayload struct {
	CallID      string `json:"call_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	Destination string `json:"destination"`
	From        string `json:"from"`
	To          string `json:"to"`
	Outcome     string `json:"outcome,omitempty"`
	Cause       string `json:"cause,omitempty"`
	CauseCode   *int   `json:"cause_code,omitempty"`
	BridgeID    string `json:"bridge_id,omitempty"`
	Final       bool   `json:"final"`
	Timestamp   string `json:"timestamp"`
}

func (s *MQTTSink) PersistTransition(_ context.Context, t call.Transition) error {
	payload := transitionPayload{
		CallID:      t.CallID,
		CampaignID:  t.CampaignID,
		Destination: t.Destination,
		From:        string(t.From),
		To:          string(t.To),
		Outcome:     t.Outcome,
		Cause:       t.Cause,
		BridgeID:    t.BridgeID,
		Final:       t.Final(),
		Timestamp:   t.At.UTC().Format(time.RFC3339),
	}
	if t.CauseCode != 0 {
		payload.CauseCode = &t.CauseCode
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling transition: %w", err)
	}
	topic := fmt.Sprintf("%s/call/%s/%s", s.prefix, t.CallID, t.To)
	return s.publish(topic, data)
}

func (s *MQTTSink) IncrementCounter(_ context.Context, campaignID, bucket, token string) error {
	data, err := json.Marshal(map[string]string{"bucket": bucket, "token": token})
	if err != nil {
		return fmt.Errorf("marshaling counter: %w", err)
	}
	topic := fmt.Sprintf("%s/campaign/%s", s.prefix, campaignID)
	return s.publish(topic, data)
}

func (s *MQTTSink) Notify(_ context.Context, recipient, message string) error {
	topic := fmt.Sprintf("%s/notify/%s", s.prefix, recipient)
	return s.publish(topic, []byte(message))
}

func (s *MQTTSink) publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, s.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(1000)
	return nil
}
