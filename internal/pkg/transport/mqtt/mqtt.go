package mqtt

import (
	"encoding/json"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/autovolt/iot-energy-ledger/internal/pkg/infrastructure/logging"
	"github.com/autovolt/iot-energy-ledger/internal/pkg/ingest"
)

//Topics the devices publish on. The status topic carries the retained
//online/offline payload set up as the broker LWT.
const (
	TelemetryTopic = "esp32/telemetry"
	StatusTopic    = "esp32/status"
)

//Metadata carries the transport-level attributes of a received message,
//alongside the payload rather than inside it
type Metadata struct {
	Topic    string
	QoS      byte
	Retained bool
}

//Adapter subscribes to the broker and forwards parsed telemetry onto a bounded
//channel consumed by the ingestion worker. Delivery is best effort: when the
//channel is full the message is dropped and the store-level dedup handles any
//broker redelivery.
type Adapter struct {
	log      logging.Logger
	client   mqtt.Client
	messages chan ingest.TelemetryMessage
	done     chan struct{}
}

//NewAdapter connects to the broker at brokerAddr and returns the adapter
func NewAdapter(brokerAddr, clientID string, log logging.Logger) (*Adapter, error) {
	adapter := &Adapter{
		log:      log,
		messages: make(chan ingest.TelemetryMessage, 256),
		done:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerAddr).
		SetClientID(clientID).
		SetAutoReconnect(true)

	adapter.client = mqtt.NewClient(opts)
	if token := adapter.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return adapter, nil
}

//Messages returns the channel the adapter publishes parsed telemetry on
func (a *Adapter) Messages() <-chan ingest.TelemetryMessage {
	return a.messages
}

//Start subscribes to the telemetry and status topics
func (a *Adapter) Start() error {
	if token := a.client.Subscribe(TelemetryTopic, 1, a.handleMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := a.client.Subscribe(StatusTopic, 1, a.handleMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	a.log.Infof("Subscribed to %s and %s", TelemetryTopic, StatusTopic)
	return nil
}

//Stop unsubscribes and disconnects from the broker. The channel is only closed
//after the unsubscribe completed and the client drained, so no callback is still
//sending on it.
func (a *Adapter) Stop() {
	close(a.done)

	if token := a.client.Unsubscribe(TelemetryTopic, StatusTopic); token.Wait() && token.Error() != nil {
		a.log.Errorf("Failed to unsubscribe: %s", token.Error().Error())
	}
	a.client.Disconnect(250)

	close(a.messages)
}

func (a *Adapter) handleMessage(client mqtt.Client, msg mqtt.Message) {
	meta := Metadata{
		Topic:    msg.Topic(),
		QoS:      msg.Qos(),
		Retained: msg.Retained(),
	}

	parsed, err := Decode(msg.Payload())
	if err != nil {
		a.log.Errorf("Failed to decode payload on %s: %s", meta.Topic, err.Error())
		return
	}

	select {
	case <-a.done:
		return
	default:
	}

	select {
	case a.messages <- parsed:
	default:
		a.log.Warnf("Telemetry channel full, dropping message from %s/%s (topic %s)",
			parsed.ESP32Name, parsed.DeviceID, meta.Topic)
	}
}

//Decode parses a device payload into a telemetry message
func Decode(payload []byte) (ingest.TelemetryMessage, error) {
	var msg ingest.TelemetryMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}
