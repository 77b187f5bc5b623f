// Package mqtt maintains the broker connection for the device ingest path.
// Connection tuning comes from server configuration rather than being baked
// in, since field deployments range from a mosquitto container on the same
// host to brokers several hops away.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Options are the connection settings; zero values fall back to defaults
// suited to a local broker.
type Options struct {
	BrokerURL            string
	ClientID             string
	KeepAlive            time.Duration
	PingTimeout          time.Duration
	ConnectTimeout       time.Duration
	ConnectRetryInterval time.Duration
	InsecureTLS          bool
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.BrokerURL) == "" {
		o.BrokerURL = "tcp://mosquitto:1883"
	}
	if strings.TrimSpace(o.ClientID) == "" {
		o.ClientID = "plantsense-server-" + time.Now().Format("150405.000")
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.ConnectRetryInterval <= 0 {
		o.ConnectRetryInterval = 2 * time.Second
	}
	return o
}

// normalizeBroker rewrites the mqtt:// scheme devices and compose files tend
// to use into the tcp:// scheme paho expects, and leaves tcp/ssl/ws URLs
// alone.
func normalizeBroker(url string) string {
	url = strings.TrimSpace(url)
	if rest, ok := strings.CutPrefix(url, "mqtt://"); ok {
		return "tcp://" + rest
	}
	return url
}

type Client struct {
	client paho.Client
}

type Message struct {
	paho.Message
}

func (m Message) Retained() bool { return m.Message.Retained() }

func Connect(opts Options) (*Client, error) {
	opts = opts.withDefaults()

	po := paho.NewClientOptions()
	po.AddBroker(normalizeBroker(opts.BrokerURL))
	po.SetClientID(opts.ClientID)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(opts.ConnectRetryInterval)
	po.SetKeepAlive(opts.KeepAlive)
	po.SetPingTimeout(opts.PingTimeout)
	if opts.InsecureTLS {
		po.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	po.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	po.OnConnect = func(_ paho.Client) {
		slog.Info("mqtt connected", "client_id", opts.ClientID)
	}

	c := paho.NewClient(po)
	tok := c.Connect()
	if ok := tok.WaitTimeout(opts.ConnectTimeout); !ok {
		if err := tok.Error(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("mqtt connect timed out after %s", opts.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
