package mqttadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"minifarm-monitor/internal/eventbus"
	"minifarm-monitor/internal/observability/metrics"
)

const qosAtLeastOnce = 1

// Config describes the broker connection and the oneM2M MQTT binding.
type Config struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Origin         string        `yaml:"origin"`
	CSEID          string        `yaml:"cse_id"`
	RVI            string        `yaml:"rvi"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Format         string        `yaml:"format"`
	NotifyURI      string        `yaml:"notify_uri"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Origin == "" {
		c.Origin = "CAdmin"
	}
	if c.ClientID == "" {
		c.ClientID = c.Origin
	}
	if c.CSEID == "" {
		c.CSEID = "tinyiot"
	}
	if c.RVI == "" {
		c.RVI = "3"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "/oneM2M"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.NotifyURI == "" {
		c.NotifyURI = c.Origin
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// NotifyTopic is where the CSE publishes notification requests for this AE.
func (c Config) NotifyTopic() string {
	return fmt.Sprintf("%s/req/+/%s/%s", c.TopicPrefix, c.Origin, c.Format)
}

// ResponseTopic carries CSE responses to this AE's requests. Notification
// acks are published here as well.
func (c Config) ResponseTopic() string {
	return fmt.Sprintf("%s/resp/%s/%s/%s", c.TopicPrefix, c.Origin, c.CSEID, c.Format)
}

// RequestTopic is where this AE publishes requests to the CSE.
func (c Config) RequestTopic() string {
	return fmt.Sprintf("%s/req/%s/%s/%s", c.TopicPrefix, c.Origin, c.CSEID, c.Format)
}

// NormalizeTo prefixes relative resource paths with the CSE id.
func (c Config) NormalizeTo(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + c.CSEID + "/" + path
}

// conn is the subset of mqtt.Client the adapter uses.
type conn interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Client is the oneM2M MQTT binding of this AE.
type Client struct {
	cfg    Config
	conn   conn
	bus    eventbus.Bus
	logger *log.Logger
	newID  func() string
}

// NewClient builds a client; Connect must be called before publishing.
func NewClient(cfg Config, bus eventbus.Bus, logger *log.Logger) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqttadapter: empty broker url")
	}
	if bus == nil {
		return nil, errors.New("mqttadapter: nil event bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{cfg: cfg.withDefaults(), bus: bus, logger: logger, newID: uuid.NewString}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	// Handlers publish acks; ordered delivery would block the router.
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Printf("mqtt connection lost: broker=%s err=%v", c.cfg.BrokerURL, err)
	})
	opts.SetOnConnectHandler(c.onConnect)
	c.conn = mqtt.NewClient(opts)
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Connect dials the broker and waits until the session is up or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	if err := waitToken(ctx, c.conn.Connect()); err != nil {
		return fmt.Errorf("mqttadapter: connect: %w", err)
	}
	return nil
}

// Connected reports whether the broker session is up.
func (c *Client) Connected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.conn.Disconnect(1000)
}

// PublishCreateContentInstance sends a create request for a new value.
func (c *Client) PublishCreateContentInstance(ctx context.Context, to, content, requestID string) error {
	if requestID == "" {
		return errors.New("mqttadapter: empty request id")
	}
	req := NewCreateContentInstance(c.cfg.NormalizeTo(to), c.cfg.Origin, requestID, c.cfg.RVI, content)
	return c.publish(ctx, c.cfg.RequestTopic(), req)
}

// PublishCreateSubscription subscribes this AE to changes below to.
// It returns the correlation id of the request.
func (c *Client) PublishCreateSubscription(ctx context.Context, to string) (string, error) {
	rqi := SubscriptionPrefix + c.newID()
	req := NewCreateSubscription(c.cfg.NormalizeTo(to), c.cfg.Origin, rqi, c.cfg.RVI, c.cfg.NotifyURI)
	if err := c.publish(ctx, c.cfg.RequestTopic(), req); err != nil {
		return "", err
	}
	return rqi, nil
}

func (c *Client) publish(ctx context.Context, topic string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	if err := waitToken(ctx, c.conn.Publish(topic, qosAtLeastOnce, false, payload)); err != nil {
		return fmt.Errorf("mqttadapter: publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	for _, topic := range []string{c.cfg.NotifyTopic(), c.cfg.ResponseTopic()} {
		token := client.Subscribe(topic, qosAtLeastOnce, c.onMessage)
		if token.Wait() && token.Error() != nil {
			c.logger.Printf("mqtt subscribe failed: topic=%s err=%v", topic, token.Error())
			continue
		}
		c.logger.Printf("mqtt subscribed: topic=%s", topic)
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.handle(context.Background(), msg.Topic(), msg.Payload())
}

func (c *Client) handle(ctx context.Context, topic string, payload []byte) {
	notification, response, err := Decode(payload)
	if err != nil {
		c.logger.Printf("mqtt decode failed: topic=%s err=%v", topic, err)
		return
	}
	switch {
	case notification != nil:
		metrics.IncNotification("received")
		ack := Ack{Rsc: RSCOK, To: notification.From, Fr: c.cfg.Origin, Rqi: notification.RequestID, Rvi: c.cfg.RVI}
		if err := c.publish(ctx, c.cfg.ResponseTopic(), ack); err != nil {
			c.logger.Printf("mqtt notify ack failed: rqi=%s err=%v", notification.RequestID, err)
		}
		if err := c.bus.Publish(ctx, *notification); err != nil {
			c.logger.Printf("notification handling failed: target=%s err=%v", notification.Target, err)
		}
	case response != nil:
		if err := c.bus.Publish(ctx, *response); err != nil {
			c.logger.Printf("response handling failed: rqi=%s err=%v", response.RequestID, err)
		}
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
