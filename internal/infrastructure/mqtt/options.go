package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second

	maxQoS = 2
)

// Presence states published on the system status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Reasons attached to an offline presence message.
const (
	ReasonShutdown     = "graceful_shutdown"
	ReasonDisconnected = "unexpected_disconnect"
)

// presence is the retained payload on Topics.SystemStatus. The broker
// publishes the offline variant as the LWT when the client dies.
type presence struct {
	Status   string    `json:"status"`
	ClientID string    `json:"client_id"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"timestamp"`
}

func newPresence(status, clientID, reason string) []byte {
	payload, _ := json.Marshal(presence{
		Status:   status,
		ClientID: clientID,
		Reason:   reason,
		Time:     time.Now().UTC().Truncate(time.Second),
	})
	return payload
}

// clientID returns the configured client ID, or a random one under the
// cellscanner- prefix so two unnamed clients do not kick each other off
// the broker.
func clientID(cfg config.MQTTConfig) string {
	if cfg.Broker.ClientID != "" {
		return cfg.Broker.ClientID
	}
	return "cellscanner-" + uuid.NewString()[:8]
}

// newOptions builds paho options for the broker in cfg. The will is left
// to the caller so a plain subscriber can share the settings.
func newOptions(cfg config.MQTTConfig, id string) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(id).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// withWill registers the retained offline presence as the LWT.
func withWill(opts *pahomqtt.ClientOptions, topics Topics, id string, qos byte) *pahomqtt.ClientOptions {
	return opts.SetBinaryWill(topics.SystemStatus(), newPresence(StatusOffline, id, ReasonDisconnected), qos, true)
}
