package ingest

import (
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/sklog"
)

const (
	// mqttPort is the printer's TLS MQTT port.
	mqttPort = 8883

	// mqttUser is the fixed LAN account on the printer.
	mqttUser = "bblp"

	connectRetryInterval = 5 * time.Second
)

// ReportTopic returns the telemetry topic for a printer serial.
func ReportTopic(serial string) string {
	return fmt.Sprintf("device/%s/report", serial)
}

type mqttSubscriber struct {
	client mqtt.Client
	serial string
}

// MQTTSubscriberFactory returns the production SubscriberFactory: a TLS
// MQTT connection per printer, authenticated with the LAN access code.
// Printers present self-signed certificates, hence the insecure option.
func MQTTSubscriberFactory(allowInsecureTLS bool) SubscriberFactory {
	return func(p store.Printer, accessCode string, deliver func(topic string, payload []byte)) Subscriber {
		topic := ReportTopic(p.Serial)
		opts := mqtt.NewClientOptions().
			AddBroker(fmt.Sprintf("ssl://%s:%d", p.IP, mqttPort)).
			SetClientID("filamentd-" + p.Serial).
			SetUsername(mqttUser).
			SetPassword(accessCode).
			SetTLSConfig(&tls.Config{
				InsecureSkipVerify: allowInsecureTLS,
			}).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(connectRetryInterval).
			SetKeepAlive(30 * time.Second)
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
				deliver(msg.Topic(), msg.Payload())
			})
			token.Wait()
			if err := token.Error(); err != nil {
				sklog.Errorf("Subscribing to %s: %s", topic, err)
				return
			}
			sklog.Infof("Connected to printer %s", p.Serial)
		})
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			sklog.Warningf("Lost connection to printer %s: %s", p.Serial, err)
		})
		return &mqttSubscriber{
			client: mqtt.NewClient(opts),
			serial: p.Serial,
		}
	}
}

// Start implements Subscriber. Connection retry runs in the background, so
// an unreachable printer does not block startup.
func (m *mqttSubscriber) Start() error {
	m.client.Connect()
	return nil
}

// Stop implements Subscriber.
func (m *mqttSubscriber) Stop() {
	m.client.Disconnect(250)
}
