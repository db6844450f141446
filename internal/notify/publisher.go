package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sortctl/internal/cages"
	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/danmuck/sortctl/internal/sorter"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrMissingBroker  = errors.New("notify: missing broker")
	ErrConnectTimeout = errors.New("notify: connect timeout")
	ErrPublishTimeout = errors.New("notify: publish timeout")
)

// Client is the subset of mqtt.Client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

var newClient = func(opts *mqtt.ClientOptions) Client {
	return mqtt.NewClient(opts)
}

type Config struct {
	Broker         string
	ClientID       string
	Topic          string
	NodeID         string
	QoS            byte
	QueueSize      int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClientID:       "sortctl",
		Topic:          "sortctl",
		NodeID:         "sorter.local",
		QoS:            1,
		QueueSize:      256,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = def.ClientID
	}
	c.Topic = strings.Trim(strings.TrimSpace(c.Topic), "/")
	if c.Topic == "" {
		c.Topic = def.Topic
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = def.NodeID
	}
	if c.QoS > 2 {
		c.QoS = def.QoS
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	return c
}

// Stats are cumulative publisher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher fans controller and cage events out to MQTT. Event handlers only
// enqueue; a single goroutine publishes, so callers never wait on the broker.
type Publisher struct {
	cfg    Config
	client Client
	queue  chan message
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	stats     Stats
}

var (
	_ cages.Observer  = (*Publisher)(nil)
	_ sorter.Observer = (*Publisher)(nil)
)

// Dial connects to cfg.Broker with automatic reconnect and returns a running
// publisher.
func Dial(cfg Config) (*Publisher, error) {
	cfg = cfg.WithDefaults()
	broker := strings.TrimSpace(cfg.Broker)
	if broker == "" {
		return nil, ErrMissingBroker
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logs.Infof("notify.Publisher connected broker=%q client_id=%q", broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logs.Warnf("notify.Publisher connection lost broker=%q err=%v", broker, err)
	}

	client := newClient(opts)
	token := client.Connect()
	// With connect retry on, the client keeps dialing after a timeout; stop it
	// before dropping it.
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("notify: connect %s: %w", broker, err)
	}
	return NewPublisher(cfg, client), nil
}

// NewPublisher starts the publish goroutine on an already connected client.
func NewPublisher(cfg Config, client Client) *Publisher {
	cfg = cfg.WithDefaults()
	p := &Publisher{
		cfg:    cfg,
		client: client,
		queue:  make(chan message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		p.publish(msg)
	}
}

func (p *Publisher) publish(msg message) {
	token := p.client.Publish(msg.topic, p.cfg.QoS, msg.retained, msg.payload)
	var err error
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		err = ErrPublishTimeout
	} else {
		err = token.Error()
	}

	p.mu.Lock()
	if err != nil {
		p.stats.Errors++
	} else {
		p.stats.Published++
	}
	p.mu.Unlock()
	if err != nil {
		logs.Warnf("notify.Publisher.publish topic=%q err=%v", msg.topic, err)
		return
	}
	logs.Debugf("notify.Publisher.publish topic=%q size=%d", msg.topic, len(msg.payload))
}

// Topic joins the configured prefix, node id and parts.
func (p *Publisher) Topic(parts ...string) string {
	return strings.Join(append([]string{p.cfg.Topic, p.cfg.NodeID}, parts...), "/")
}

func (p *Publisher) enqueue(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logs.Errf("notify.Publisher.enqueue marshal topic=%q err=%v", topic, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.stats.Dropped++
		return
	}
	select {
	case p.queue <- message{topic: topic, retained: retained, payload: payload}:
	default:
		p.stats.Dropped++
		logs.Warnf("notify.Publisher.enqueue queue full topic=%q", topic)
	}
}

// CountChanged publishes the cage state as a retained message.
func (p *Publisher) CountChanged(ev cages.CountEvent) {
	p.enqueue(p.Topic("cages", strconv.Itoa(ev.Cage.Index)), true, ev)
}

func (p *Publisher) Delivered(d sorter.Delivery) {
	p.enqueue(p.Topic("deliveries"), false, d)
}

type faultPayload struct {
	Kind       string            `json:"kind"`
	RunID      string            `json:"run_id,omitempty"`
	Error      string            `json:"error"`
	Allocation *cages.Allocation `json:"allocation,omitempty"`
	At         time.Time         `json:"at"`
}

func (p *Publisher) Faulted(f *sorter.Fault) {
	if f == nil {
		return
	}
	p.enqueue(p.Topic("faults"), false, faultPayload{
		Kind:       f.Kind,
		RunID:      f.RunID,
		Error:      f.Error(),
		Allocation: f.Allocation,
		At:         f.At,
	})
}

func (p *Publisher) StateChanged(s sorter.State) {
	p.enqueue(p.Topic("state"), true, map[string]string{"state": s.String()})
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close flushes queued messages and disconnects.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done
		// also stops a client still in auto-reconnect
		p.client.Disconnect(250)
		st := p.Stats()
		logs.Infof("notify.Publisher.Close published=%d dropped=%d errors=%d", st.Published, st.Dropped, st.Errors)
	})
}
