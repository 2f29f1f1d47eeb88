package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/cpsim/core/model"
	"github.com/kilianp07/cpsim/internal/testutil"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	for path, data := range map[string][]byte{certFile: certPEM, keyFile: keyPEM, caFile: certPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
	if _, err := (Config{UseTLS: true}).LoadTLSConfig(); err == nil {
		t.Fatalf("expected error without files")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	var c Config
	c.SetDefaults()
	if c.TopicPrefix != "cpsim" || c.MaxRetries != 3 || c.QueueSize == 0 || c.ClientID == "" {
		t.Fatalf("defaults not applied: %#v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
	c.Enabled = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected missing broker error")
	}
	c.Broker = "tcp://b:1883"
	c.QoS = 3
	if err := c.Validate(); err == nil {
		t.Fatalf("expected qos error")
	}
}

func withMock(t *testing.T, mc *mockClient) {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
}

func waitPublished(t *testing.T, mc *mockClient, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := mc.snapshot(); len(p) >= n {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d publishes, got %d", n, len(mc.snapshot()))
	return nil
}

func TestBroadcasterPublishesUpdates(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	b, err := NewBroadcaster(Config{Broker: "tcp://localhost:1883", TopicPrefix: "sim/", QoS: 1}, nil)
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	defer b.Close()

	if !mc.opts.WillEnabled || mc.opts.WillTopic != "sim/status" {
		t.Fatalf("will not configured: %#v", mc.opts.WillTopic)
	}
	sess := &model.Session{ID: "s1", SoC: 55, Log: []model.LogEntry{{Message: "x"}}}
	b.Publish(model.SessionUpdate{SessionID: "s1", Kind: model.UpdateSession, Session: sess})

	// OnConnect publishes the online status first.
	pubs := waitPublished(t, mc, 2)
	if pubs[0].topic != "sim/status" || pubs[0].payload != "online" {
		t.Fatalf("unexpected status publish %#v", pubs[0])
	}
	if pubs[1].topic != "sim/sessions/s1/session" || pubs[1].qos != 1 {
		t.Fatalf("unexpected publish %#v", pubs[1])
	}
	var got model.SessionUpdate
	if err := json.Unmarshal([]byte(pubs[1].payload), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Session == nil || got.Session.SoC != 55 || len(got.Session.Log) != 0 {
		t.Fatalf("unexpected payload %#v", got.Session)
	}
	if len(sess.Log) != 1 {
		t.Fatalf("publisher must not mutate the caller's session")
	}
}

func TestBroadcasterRetries(t *testing.T) {
	mc := &mockClient{publishErrs: []error{nil, fmt.Errorf("net fail"), nil}}
	withMock(t, mc)
	b, err := NewBroadcaster(Config{Broker: "tcp://localhost:1883", MaxRetries: 1, BackoffMS: 1}, nil)
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	defer b.Close()
	b.Publish(model.SessionUpdate{SessionID: "s1", Kind: model.UpdateChart})
	pubs := waitPublished(t, mc, 3)
	if pubs[1].topic != pubs[2].topic {
		t.Fatalf("expected retry on the same topic")
	}
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	mc := &mockClient{block: make(chan struct{})}
	withMock(t, mc)
	b, err := NewBroadcaster(Config{Broker: "tcp://localhost:1883", QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	for i := 0; i < 5; i++ {
		b.Publish(model.SessionUpdate{SessionID: "s1", Kind: model.UpdateLog})
	}
	if b.Dropped() == 0 {
		t.Fatalf("expected dropped updates")
	}
	close(mc.block)
	b.Close()
	b.Publish(model.SessionUpdate{SessionID: "s1"})
}

func TestBroadcasterWithMosquitto(t *testing.T) {
	testutil.RequireDocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	broker, cleanup, err := testutil.StartMosquitto(ctx)
	if err != nil {
		t.Skipf("mosquitto unavailable: %v", err)
	}
	defer cleanup()

	sub := paho.NewClient(paho.NewClientOptions().AddBroker(broker).SetClientID("sub"))
	if tok := sub.Connect(); tok.Wait() && tok.Error() != nil {
		t.Fatalf("connect: %v", tok.Error())
	}
	defer sub.Disconnect(100)
	got := make(chan string, 1)
	if tok := sub.Subscribe("it/sessions/+/log", 1, func(_ paho.Client, m paho.Message) { got <- m.Topic() }); tok.Wait() && tok.Error() != nil {
		t.Fatalf("subscribe: %v", tok.Error())
	}

	b, err := NewBroadcaster(Config{Broker: broker, TopicPrefix: "it", QoS: 1}, nil)
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	defer b.Close()
	b.Publish(model.SessionUpdate{SessionID: "s9", Kind: model.UpdateLog, Log: &model.LogEntry{Message: "hello"}})

	select {
	case topic := <-got:
		if topic != "it/sessions/s9/log" {
			t.Fatalf("unexpected topic %s", topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no message received")
	}
}

type published struct {
	topic   string
	qos     byte
	payload string
}

// mockClient implements pahoClient for tests
type mockClient struct {
	opts        *paho.ClientOptions
	mu          sync.Mutex
	published   []published
	publishErrs []error
	block       chan struct{}
}

func (m *mockClient) snapshot() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	if m.block != nil && topic != "cpsim/status" {
		<-m.block
	}
	var p string
	switch v := payload.(type) {
	case string:
		p = v
	case []byte:
		p = string(v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{topic, qos, p})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(string, byte, paho.MessageHandler) paho.Token { return &dummyToken{} }
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }
