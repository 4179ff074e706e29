package telemetry

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/reef-pi/adafruitio"
)

// ErrDisabled is returned by Publish and Subscribe when no broker is configured.
var ErrDisabled = errors.New("mqtt disabled")

type MQTTConfig struct {
	Enable   bool   `yaml:"enable" json:"enable"`
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	QoS      byte   `yaml:"qos" json:"qos"`
	Retained bool   `yaml:"retained" json:"retained"`
}

type AdafruitIO struct {
	Enable bool   `yaml:"enable" json:"enable"`
	User   string `yaml:"user" json:"user"`
	Token  string `yaml:"token" json:"-"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

type Config struct {
	MQTT       MQTTConfig `yaml:"mqtt" json:"mqtt"`
	AdafruitIO AdafruitIO `yaml:"adafruitio" json:"adafruitio"`
	Prometheus bool       `yaml:"prometheus" json:"prometheus"`
}

// Telemetry fans metrics out to prometheus and adafruit.io and carries
// report/command traffic over MQTT.
type Telemetry interface {
	EmitMetric(module, name string, v float64)
	Publish(topic string, payload []byte) error
	Subscribe(topic string, fn func([]byte)) error
	Connected() bool
	OnConnect(fn func())
	Close()
}

type sample struct {
	feed  string
	value float64
}

type telemetry struct {
	config  Config
	client  mqtt.Client
	aio     *adafruitio.Client
	aioCh   chan sample
	reg     prometheus.Registerer
	mu      sync.Mutex
	gauges  map[string]prometheus.Gauge
	subs    map[string]func([]byte)
	onConns []func()
	done    chan struct{}
}

const publishTimeout = 5 * time.Second

// New builds the telemetry fan-out. The MQTT connection is established in
// the background and retried by paho, so a missing broker never blocks boot.
func New(config Config, reg prometheus.Registerer) (Telemetry, error) {
	t := &telemetry{
		config: config,
		reg:    reg,
		gauges: make(map[string]prometheus.Gauge),
		subs:   make(map[string]func([]byte)),
		done:   make(chan struct{}),
	}
	if config.AdafruitIO.Enable {
		t.aio = adafruitio.NewClient(config.AdafruitIO.Token)
		t.aioCh = make(chan sample, 64)
		go t.submitLoop()
	}
	if !config.MQTT.Enable {
		return t, nil
	}
	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt enabled without broker")
	}
	mqtt.ERROR = log.New(os.Stderr, "[mqtt] ERROR ", log.LstdFlags)
	mqtt.CRITICAL = log.New(os.Stderr, "[mqtt] CRIT ", log.LstdFlags)
	mqtt.WARN = log.New(os.Stderr, "[mqtt] WARN ", log.LstdFlags)

	opts := mqtt.NewClientOptions().
		AddBroker(config.MQTT.Broker).
		SetClientID(config.MQTT.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(t.connected).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Println("telemetry: mqtt connection lost:", err)
		})
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}
	t.client = mqtt.NewClient(opts)
	t.client.Connect()
	return t, nil
}

func (t *telemetry) connected(c mqtt.Client) {
	log.Println("telemetry: connected to", t.config.MQTT.Broker)
	t.mu.Lock()
	subs := make(map[string]func([]byte), len(t.subs))
	for topic, fn := range t.subs {
		subs[topic] = fn
	}
	hooks := append([]func(){}, t.onConns...)
	t.mu.Unlock()

	for topic, fn := range subs {
		if err := t.subscribe(topic, fn); err != nil {
			log.Println("telemetry: resubscribe", topic, err)
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

func (t *telemetry) Connected() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *telemetry) OnConnect(fn func()) {
	t.mu.Lock()
	t.onConns = append(t.onConns, fn)
	t.mu.Unlock()
}

func (t *telemetry) Publish(topic string, payload []byte) error {
	if t.client == nil {
		return ErrDisabled
	}
	token := t.client.Publish(topic, t.config.MQTT.QoS, t.config.MQTT.Retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Subscribe registers fn for topic. The subscription is replayed after every
// reconnect since the broker session is not persistent.
func (t *telemetry) Subscribe(topic string, fn func([]byte)) error {
	if t.client == nil {
		return ErrDisabled
	}
	t.mu.Lock()
	t.subs[topic] = fn
	t.mu.Unlock()
	if !t.Connected() {
		return nil
	}
	return t.subscribe(topic, fn)
}

func (t *telemetry) subscribe(topic string, fn func([]byte)) error {
	token := t.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		fn(m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

func (t *telemetry) EmitMetric(module, name string, v float64) {
	feed := metricName(module, name)
	if t.config.Prometheus && t.reg != nil {
		t.gauge(feed).Set(v)
	}
	if t.aioCh != nil {
		select {
		case t.aioCh <- sample{feed: feed, value: v}:
		default:
		}
	}
}

func (t *telemetry) gauge(name string) prometheus.Gauge {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "agrofert metric " + name,
	})
	if err := t.reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			g = are.ExistingCollector.(prometheus.Gauge)
		} else {
			log.Println("telemetry: register", name, err)
		}
	}
	t.gauges[name] = g
	return g
}

func (t *telemetry) submitLoop() {
	for {
		select {
		case s := <-t.aioCh:
			feed := strings.ReplaceAll(strings.ToLower(t.config.AdafruitIO.Prefix+s.feed), "_", "-")
			if err := t.aio.SubmitData(t.config.AdafruitIO.User, feed, adafruitio.Data{Value: s.value}); err != nil {
				log.Println("telemetry: adafruitio", feed, err)
			}
		case <-t.done:
			return
		}
	}
}

func (t *telemetry) Close() {
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	if t.client != nil {
		t.client.Disconnect(250)
	}
}

// metricName folds module and metric into a prometheus-safe identifier.
func metricName(module, name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, module+"_"+name)
}
