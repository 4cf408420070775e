package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

var ErrPublishTimeout = errors.New("mqtt publish timed out")

type Client struct {
	cli mqtt.Client
}

// Publisher is the surface the mirror needs. It lets tests run without a broker.
type Publisher interface {
	PublishWith(topic string, payload []byte, retain bool) error
}

// New connects to brokerURL (mqtt://, tcp://, ssl://, tls://, ws:// or wss://).
func New(brokerURL, clientID string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	opts.AddBroker(server)
	if clientID == "" {
		clientID = "overlay-bridge-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(c mqtt.Client) { slog.Info("mqtt connected", "broker", u.Host) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", t.Error())
	}
	return &Client{cli: cli}, nil
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 0, retain, payload)
	if !t.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return t.Error()
}

func (c *Client) Close() {
	c.cli.Disconnect(250)
}
