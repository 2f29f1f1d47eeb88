// Package mqtt publishes session updates to an MQTT broker under
// <prefix>/sessions/<id>/<kind>.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/cpsim/core/logger"
	"github.com/kilianp07/cpsim/core/model"
)

// Config defines the connection parameters of the broadcaster.
type Config struct {
	Enabled     bool        `json:"enabled"`
	Broker      string      `json:"broker"`
	ClientID    string      `json:"client_id"`
	Username    string      `json:"username"`
	Password    string      `json:"password"`
	TopicPrefix string      `json:"topic_prefix"`
	QoS         byte        `json:"qos"`
	Retain      bool        `json:"retain"`
	UseTLS      bool        `json:"use_tls"`
	ClientCert  string      `json:"client_cert"`
	ClientKey   string      `json:"client_key"`
	CABundle    string      `json:"ca_bundle"`
	MaxRetries  int         `json:"max_retries"`
	BackoffMS   int         `json:"backoff_ms"`
	QueueSize   int         `json:"queue_size"`
	TLSConfig   *tls.Config `json:"-"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "cpsim"
	}
	if c.ClientID == "" {
		c.ClientID = "cpsim-" + uuid.NewString()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// Validate checks the configuration when enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Broadcaster is a broadcast.Sink. Publish only enqueues; a single worker
// drains the queue so updates of one session keep their order.
type Broadcaster struct {
	cli     pahoClient
	prefix  string
	qos     byte
	retain  bool
	retries int
	backoff time.Duration
	log     logger.Logger

	queue   chan model.SessionUpdate
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewBroadcaster connects to the broker and starts the publish worker.
func NewBroadcaster(cfg Config, log logger.Logger) (*Broadcaster, error) {
	cfg.SetDefaults()
	if log == nil {
		log = logger.Nop()
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	b := &Broadcaster{
		prefix:  strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		retries: cfg.MaxRetries,
		backoff: time.Duration(cfg.BackoffMS) * time.Millisecond,
		log:     log,
		queue:   make(chan model.SessionUpdate, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	statusTopic := b.prefix + "/status"
	opts.SetWill(statusTopic, "offline", 1, true)
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		c.Publish(statusTopic, 1, true, "online")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	b.cli = c
	go b.run()
	return b, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Topic returns the topic of an update.
func (b *Broadcaster) Topic(u model.SessionUpdate) string {
	return fmt.Sprintf("%s/sessions/%s/%s", b.prefix, u.SessionID, u.Kind)
}

// Publish enqueues u. When the queue is full the update is dropped.
func (b *Broadcaster) Publish(u model.SessionUpdate) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- u:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of updates lost to a full queue.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

func (b *Broadcaster) run() {
	for {
		select {
		case u := <-b.queue:
			if err := b.send(u); err != nil {
				b.log.Errorf("publish %s: %v", b.Topic(u), err)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Broadcaster) send(u model.SessionUpdate) error {
	if u.Session != nil {
		// Histories travel as log updates.
		s := *u.Session
		s.Log, s.Messages = nil, nil
		u.Session = &s
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	topic := b.Topic(u)
	var publishErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		token := b.cli.Publish(topic, b.qos, b.retain, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		b.log.Warnf("publish attempt %d failed: %v", attempt+1, publishErr)
		select {
		case <-time.After(b.backoff * time.Duration(1<<attempt)):
		case <-b.done:
			return publishErr
		}
	}
	return publishErr
}

// Close stops the worker and disconnects. Queued updates are discarded.
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		close(b.done)
		if b.cli != nil && b.cli.IsConnected() {
			b.cli.Publish(b.prefix+"/status", 1, true, "offline").WaitTimeout(250 * time.Millisecond)
			b.cli.Disconnect(250)
		}
	})
}
