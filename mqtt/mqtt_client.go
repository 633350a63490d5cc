package mqtt

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"
)

const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

// Client is a publish-only MQTT client on top of autopaho's reconnecting
// connection manager. Sensor readings are published retained at QoS 1 so a
// late subscriber immediately sees the latest value.
type Client struct {
	config autopaho.ClientConfig
	conn   *autopaho.ConnectionManager
	logger *log.Logger
}

func NewClient(broker string, clientId string) (*Client, error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse mqtt broker url %q", broker)
	}

	client := &Client{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttClient: ",
			Level:  log.GetLevel(),
		}),
	}

	client.config = autopaho.ClientConfig{
		BrokerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        client.onConnUp,
		OnConnectError:        client.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      client.onConnError,
			OnServerDisconnect: client.onSrvDisconnect,
		},
	}

	return client, nil
}

func (c *Client) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	c.logger.Info("Connected to MQTT broker")
}

func (c *Client) onConnError(err error) {
	c.logger.Error("Received MQTT connection error", "err", err)
}

func (c *Client) onSrvDisconnect(d *paho.Disconnect) {
	c.logger.Info("Disconnected from MQTT broker")
}

// Connect establishes the managed connection and waits for the first
// successful broker handshake; autopaho keeps reconnecting afterwards.
func (c *Client) Connect(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, connectionTimeoutSeconds*time.Second)
	defer cancel()

	c.conn, err = autopaho.NewConnection(ctx, c.config)
	if err != nil {
		return
	}

	return c.conn.AwaitConnection(ctx)
}

func (c *Client) Publish(topic string, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = c.conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  true,
		Payload: payload,
	})
	return
}

func (c *Client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Disconnect(ctx)
}
