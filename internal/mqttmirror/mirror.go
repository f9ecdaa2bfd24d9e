// Package mqttmirror republishes accepted bus events to an MQTT broker,
// for fleet integrations that speak MQTT instead of WebSocket.
package mqttmirror

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/events"
)

type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Log         zerolog.Logger
}

// Mirror holds one auto-reconnecting broker connection. Publishes while
// disconnected are dropped; MQTT consumers are best-effort observers, the
// WebSocket bus stays the authoritative feed.
type Mirror struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

func Connect(opts Options) (*Mirror, error) {
	m := &Mirror{
		prefix: opts.TopicPrefix,
		log:    opts.Log.With().Str("component", "mqtt-mirror").Logger(),
	}
	if m.prefix == "" {
		m.prefix = "fleet"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	m.conn = mqtt.NewClient(clientOpts)
	token := m.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) onConnect(mqtt.Client) {
	m.connected.Store(true)
	m.log.Info().Str("prefix", m.prefix).Msg("mqtt connected")
}

func (m *Mirror) onConnectionLost(_ mqtt.Client, err error) {
	m.connected.Store(false)
	m.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish mirrors one accepted event to <prefix>/events/<type>/<device>.
// QoS 0, fire and forget.
func (m *Mirror) Publish(e events.Event) {
	if !m.connected.Load() {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		m.log.Error().Err(err).Str("type", e.Type).Msg("event marshal for mqtt failed")
		return
	}
	topic := fmt.Sprintf("%s/events/%s/%s", m.prefix, e.Type, e.Device)
	m.conn.Publish(topic, 0, false, payload)
}

func (m *Mirror) IsConnected() bool {
	return m.connected.Load()
}

func (m *Mirror) Close() {
	m.log.Info().Msg("disconnecting mqtt mirror")
	m.conn.Disconnect(1000)
}
