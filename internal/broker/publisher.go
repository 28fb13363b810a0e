// Package broker owns every connection to the pub/sub broker: the
// low-latency outbound command path (Publisher), the inbound ingestion
// worker, and the pairing sub-protocol state machine fed by bridge
// events.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/sync/singleflight"

	"github.com/sdhome/core/internal/config"
)

// Publisher maintains a single long-lived connection for outbound
// device commands (spec §4.6). Connect is lazy and idempotent: the
// first Publish call triggers it, guarded by a singleflight group so
// concurrent callers share one dial attempt instead of racing.
type Publisher struct {
	cfg      config.BrokerConfig
	clientID string
	logger   *slog.Logger

	cm    *autopaho.ConnectionManager
	group singleflight.Group
}

// NewPublisher creates a Publisher but does not connect.
func NewPublisher(cfg config.BrokerConfig, clientID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, clientID: clientID, logger: logger}
}

// connect establishes the connection if it is not already up. Safe for
// concurrent use; only one dial happens at a time regardless of how
// many goroutines call it simultaneously.
func (p *Publisher) connect(ctx context.Context) error {
	if p.cm != nil {
		return nil
	}
	_, err, _ := p.group.Do("connect", func() (any, error) {
		if p.cm != nil {
			return nil, nil
		}
		return nil, p.dial(ctx)
	})
	return err
}

func (p *Publisher) dial(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	willTopic := p.cfg.BaseTopic + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   willTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("broker publisher connected", "url", p.cfg.URL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Publish(publishCtx, &paho.Publish{
				Topic:   willTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				p.logger.Warn("broker availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("broker publisher connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientIDTag + "-pub-" + p.clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("broker connect timed out: %w", err)
	}

	p.cm = cm
	return nil
}

// Publish serializes payload to JSON (if it is not already a []byte or
// string) and publishes it with QoS 1 (at-least-once). If the
// connection is down it retries once before returning an error to the
// caller, per spec §4.6.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	if !p.cfg.Configured() {
		return fmt.Errorf("broker publish: broker not configured")
	}

	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("broker publish: encode payload: %w", err)
	}

	if err := p.connect(ctx); err != nil {
		return fmt.Errorf("broker publish: %w", err)
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: body,
		QoS:     1,
	}); err == nil {
		return nil
	}

	// One retry: drop the stale connection manager and redial.
	p.logger.Warn("broker publish failed, retrying connection once", "topic", topic)
	p.cm = nil
	if err := p.connect(ctx); err != nil {
		return fmt.Errorf("broker publish: reconnect failed: %w", err)
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: body,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("broker publish: %w", err)
	}
	return nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// Close disconnects cleanly, publishing an offline availability message
// first.
func (p *Publisher) Close(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	_, _ = p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.BaseTopic + "/availability",
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	})
	return p.cm.Disconnect(ctx)
}
