/*Package telemetry publishes acquisition events to an MQTT broker.

Two kinds of message are sent, both JSON:

	<topic>/session  one per finished session, QoS as configured
	<topic>/frame    frame ready events, rate limited, fire and forget

Frame events are dropped rather than queued when they arrive faster than the
configured rate, so a slow broker never holds up readout.

*/
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.jpl.nasa.gov/bdube/xspress/framestore"
	"github.jpl.nasa.gov/bdube/xspress/xspress3"
	"golang.org/x/time/rate"
)

// Config holds the broker connection and publishing parameters
type Config struct {
	// Broker is the broker address, e.g. tcp://localhost:1883.  Empty disables telemetry.
	Broker string `yaml:"Broker" koanf:"Broker"`

	ClientID string `yaml:"ClientID" koanf:"ClientID"`

	// Topic is the prefix of every published topic
	Topic string `yaml:"Topic" koanf:"Topic"`

	QoS byte `yaml:"QoS" koanf:"QoS"`

	// FrameRate is the maximum number of frame events per second
	FrameRate float64 `yaml:"FrameRate" koanf:"FrameRate"`

	// Timeout bounds connecting and publishing session messages
	Timeout time.Duration `yaml:"Timeout" koanf:"Timeout"`
}

// Publisher is the part of mqtt.Client used here
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// SessionEvent is the payload of a session message
type SessionEvent struct {
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Mode      string    `json:"mode"`
	Exposure  float64   `json:"exposure"`
	Requested int       `json:"requested"`
	Acquired  int       `json:"acquired"`
	Drained   int       `json:"drained"`
	Stopped   bool      `json:"stopped"`
	Err       string    `json:"err,omitempty"`
}

// FrameEvent is the payload of a frame message
type FrameEvent struct {
	Frame int       `json:"frame"`
	Time  time.Time `json:"time"`

	// Skipped is the number of frame events dropped since the last one sent
	Skipped int `json:"skipped"`
}

// Telemetry publishes events through a Publisher
type Telemetry struct {
	pub    Publisher
	client mqtt.Client
	cfg    Config
	frames *rate.Limiter

	mu      sync.Mutex
	skipped int
}

// New returns a Telemetry publishing through pub
func New(pub Publisher, cfg Config) *Telemetry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 1
	}
	return &Telemetry{
		pub:    pub,
		cfg:    cfg,
		frames: rate.NewLimiter(rate.Limit(cfg.FrameRate), 1),
	}
}

// Connect dials the broker, retrying with exponential backoff until ctx is done
func Connect(ctx context.Context, cfg Config) (*Telemetry, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Println("telemetry: connection to broker lost, reconnecting:", err)
	}
	client := mqtt.NewClient(opts)
	t := New(client, cfg)
	t.client = client

	op := func() error {
		token := client.Connect()
		if !token.WaitTimeout(t.cfg.Timeout) {
			return fmt.Errorf("timed out connecting to %s", cfg.Broker)
		}
		return token.Error()
	}
	notify := func(err error, d time.Duration) {
		log.Printf("telemetry: %v, retrying in %v\n", err, d)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connecting to %s: %w", cfg.Broker, err)
	}
	log.Println("telemetry: connected to", cfg.Broker)
	return t, nil
}

// Close disconnects from the broker, if Connect made the connection
func (t *Telemetry) Close() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
}

// SessionEnded publishes a session summary and waits for it to be sent.
// Its signature fits xspress3.Camera.OnSessionEnd.
func (t *Telemetry) SessionEnded(s xspress3.Summary) {
	ev := SessionEvent{
		Started:   s.Started,
		Finished:  s.Finished,
		Mode:      s.Mode.String(),
		Exposure:  s.Exposure.Seconds(),
		Requested: s.Requested,
		Acquired:  s.Acquired,
		Drained:   s.Drained,
		Stopped:   s.Stopped,
	}
	if s.Err != nil {
		ev.Err = s.Err.Error()
	}
	if err := t.publish("session", ev, true); err != nil {
		log.Println("telemetry: publishing session:", err)
	}
}

// FrameReady publishes a frame event if the rate allows.  It is a
// framestore.Consumer and never asks readout to stop.
func (t *Telemetry) FrameReady(f framestore.Frame) bool {
	t.mu.Lock()
	if !t.frames.Allow() {
		t.skipped++
		t.mu.Unlock()
		return true
	}
	ev := FrameEvent{Frame: f.Index, Time: time.Now(), Skipped: t.skipped}
	t.skipped = 0
	t.mu.Unlock()
	if err := t.publish("frame", ev, false); err != nil {
		log.Println("telemetry: publishing frame event:", err)
	}
	return true
}

func (t *Telemetry) publish(sub string, v interface{}, wait bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := t.pub.Publish(t.cfg.Topic+"/"+sub, t.cfg.QoS, false, payload)
	if !wait {
		return nil
	}
	if !token.WaitTimeout(t.cfg.Timeout) {
		return fmt.Errorf("publish to %s/%s timed out", t.cfg.Topic, sub)
	}
	return token.Error()
}
