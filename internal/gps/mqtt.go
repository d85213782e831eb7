package gps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const connectTimeout = 5 * time.Second

// MQTTConfig holds configuration for the push source.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	Topic    string `yaml:"topic" json:"topic"`
	ClientID string `yaml:"client_id" json:"clientId"`
	QoS      int    `yaml:"qos" json:"qos"`
}

// MQTTSource receives fixes pushed by a platform fused-location provider
// over MQTT. It carries no satellite data.
type MQTTSource struct {
	cfg       MQTTConfig
	log       logrus.FieldLogger
	newClient func(*mqtt.ClientOptions) mqtt.Client
	timeout   time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

// NewMQTT creates a new push source.
func NewMQTT(cfg MQTTConfig, logger logrus.FieldLogger) *MQTTSource {
	if cfg.Topic == "" {
		cfg.Topic = "trackcap/fix"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "trackcap"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MQTTSource{
		cfg:       cfg,
		log:       logger.WithField("component", "gps"),
		newClient: mqtt.NewClient,
		timeout:   connectTimeout,
	}
}

func (m *MQTTSource) Name() string { return "MQTT fused " + m.cfg.Topic }
func (m *MQTTSource) Kind() Kind   { return KindPush }

// Enabled reports whether a broker is configured. Reachability is checked
// once the source is started.
func (m *MQTTSource) Enabled() bool { return m.cfg.Broker != "" }

// Start connects and subscribes in the background. An unreachable broker or
// a failed subscription is reported through h.Lost.
func (m *MQTTSource) Start(h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return fmt.Errorf("gps: mqtt source already started")
	}
	if !m.Enabled() {
		return fmt.Errorf("gps: no mqtt broker configured: %w", ErrProviderDisabled)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(false).
		SetConnectTimeout(m.timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.WithError(err).Warn("mqtt connection lost")
			h.lost(fmt.Errorf("gps: mqtt connection lost: %w", err))
		})

	m.stop = make(chan struct{})
	go m.run(m.newClient(opts), h, m.stop)
	return nil
}

// Stop signals the connection goroutine, which unsubscribes and disconnects.
func (m *MQTTSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stop = nil
}

var errStopped = errors.New("gps: mqtt source stopped")

func (m *MQTTSource) run(client mqtt.Client, h Handler, stop <-chan struct{}) {
	defer client.Disconnect(250)

	if err := await(client.Connect(), m.timeout, stop); err != nil {
		if !errors.Is(err, errStopped) {
			h.lost(fmt.Errorf("gps: mqtt connect to %s: %w", m.cfg.Broker, err))
		}
		return
	}

	// The fused provider never reports satellites.
	h.status(Status{Available: false})

	sub := client.Subscribe(m.cfg.Topic, byte(m.cfg.QoS), func(_ mqtt.Client, msg mqtt.Message) {
		fix, ok, err := decodeFix(msg.Payload())
		if err != nil {
			m.log.WithError(err).WithField("topic", msg.Topic()).Debug("bad fix payload")
			return
		}
		if ok {
			h.fix(fix)
		}
	})
	if err := await(sub, m.timeout, stop); err != nil {
		if !errors.Is(err, errStopped) {
			h.lost(fmt.Errorf("gps: subscribe %s: %w", m.cfg.Topic, err))
		}
		return
	}
	m.log.WithFields(logrus.Fields{"broker": m.cfg.Broker, "topic": m.cfg.Topic}).Info("subscribed to fused fixes")

	<-stop
	client.Unsubscribe(m.cfg.Topic).WaitTimeout(time.Second)
	m.log.Info("unsubscribed from fused fixes")
}

// await waits for t to complete. Errors and timeouts wrap ErrProviderDisabled.
func await(t mqtt.Token, timeout time.Duration, stop <-chan struct{}) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		if err := t.Error(); err != nil {
			return fmt.Errorf("%v: %w", err, ErrProviderDisabled)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out: %w", ErrProviderDisabled)
	case <-stop:
		return errStopped
	}
}

// fusedMessage is the JSON published by the fused provider. The speed_knots
// and validity fields accept producers that forward raw RMC data.
type fusedMessage struct {
	Latitude   float64  `json:"lat"`
	Longitude  float64  `json:"lon"`
	Altitude   *float64 `json:"alt,omitempty"`
	Speed      *float64 `json:"speed,omitempty"` // m/s
	SpeedKnots *float64 `json:"speed_knots,omitempty"`
	Accuracy   float64  `json:"accuracy"`
	Time       string   `json:"time"`
	Provider   string   `json:"provider"`
	Validity   string   `json:"validity"`
}

// decodeFix parses one payload. ok is false for void fixes.
func decodeFix(payload []byte) (Fix, bool, error) {
	var msg fusedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Fix{}, false, err
	}
	if strings.EqualFold(msg.Validity, "V") {
		return Fix{}, false, nil
	}

	fix := Fix{
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		Accuracy:  msg.Accuracy,
		Provider:  msg.Provider,
	}
	if fix.Provider == "" {
		fix.Provider = "fused"
	}
	if msg.Altitude != nil {
		fix.Altitude = *msg.Altitude
		fix.HasAltitude = true
	}
	switch {
	case msg.Speed != nil:
		fix.Speed = *msg.Speed
	case msg.SpeedKnots != nil:
		fix.Speed = *msg.SpeedKnots * knotsToMS
	}
	if t, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
		fix.Time = t.UTC()
	} else {
		fix.Time = time.Now().UTC()
	}
	return fix, true, nil
}
