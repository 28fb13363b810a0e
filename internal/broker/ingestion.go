package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/sdhome/core/internal/config"
)

// Router receives every non-bridge message the ingestion worker
// dispatches (spec §4.2: mapper + SignalsService pipeline entry point).
type Router interface {
	HandleMessage(ctx context.Context, topic string, payload []byte)
}

// Ingestion maintains a persistent subscription to the broker and
// dispatches inbound messages: bridge-event topics go to the pairing
// state machine, everything else goes to the Router (spec §4.1).
type Ingestion struct {
	cfg     config.BrokerConfig
	router  Router
	bridge  *Bridge
	logger  *slog.Logger
	backoff *backoff
}

// NewIngestion creates an Ingestion worker. bridge may be nil if
// pairing support is not wired.
func NewIngestion(cfg config.BrokerConfig, router Router, bridge *Bridge, logger *slog.Logger) *Ingestion {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestion{
		cfg:     cfg,
		router:  router,
		bridge:  bridge,
		logger:  logger,
		backoff: newBackoff(5*time.Second, 60*time.Second),
	}
}

func (w *Ingestion) bridgeEventTopic() string {
	return w.cfg.BaseTopic + "/bridge/event"
}

func (w *Ingestion) permitJoinTopic() string {
	return w.cfg.BaseTopic + "/bridge/response/permit_join"
}

// Run connects and processes messages until ctx is cancelled. If the
// broker is disabled it logs and idles (spec §4.1: "When disabled, the
// worker starts, logs, and idles").
func (w *Ingestion) Run(ctx context.Context) error {
	if !w.cfg.Configured() {
		w.logger.Info("ingestion worker idle: broker not configured")
		<-ctx.Done()
		return nil
	}

	brokerURL, err := url.Parse(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("ingestion: parse broker url: %w", err)
	}

	topicFilter := w.cfg.TopicFilter
	if topicFilter == "" {
		topicFilter = w.cfg.BaseTopic + "/#"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: w.cfg.Username,
		ConnectPassword: []byte(w.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			w.backoff.reset()
			w.logger.Info("ingestion worker connected", "url", w.cfg.URL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: topicFilter, QoS: 0}},
			}); err != nil {
				w.logger.Error("ingestion subscribe failed", "topic", topicFilter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			delay := w.backoff.next()
			w.logger.Warn("ingestion connection error, backing off", "error", err, "delay", delay)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: w.cfg.ClientIDTag + "-sub",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("ingestion: connect: %w", err)
	}

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		w.dispatch(ctx, pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		w.logger.Warn("ingestion initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return cm.Disconnect(context.Background())
}

// dispatch routes one inbound message to the bridge handler or the
// Router, preserving per-connection message order (spec §4.1).
func (w *Ingestion) dispatch(ctx context.Context, topic string, payload []byte) {
	switch {
	case topic == w.bridgeEventTopic():
		if w.bridge != nil {
			w.bridge.HandleEvent(payload)
		}
	case topic == w.permitJoinTopic():
		if w.bridge != nil {
			w.bridge.HandlePermitJoinResponse(payload)
		}
	default:
		if strings.Contains(topic, "/bridge/") {
			return
		}
		if w.router != nil {
			w.router.HandleMessage(ctx, topic, payload)
		}
	}
}
