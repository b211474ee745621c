// Package mqtt publishes operational telemetry to an MQTT broker: a
// retained availability topic backed by a will message, a retained
// info topic with instance metadata, and periodic counter states fed
// by the event bus and the dispatcher and store stats.
package mqtt

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

	"github.com/corvid-labs/huginn/internal/buildinfo"
	"github.com/corvid-labs/huginn/internal/config"
)

// StatsSource yields a point-in-time stats snapshot. The dispatcher
// and the store both satisfy this through small adapters wired in
// main so this package stays decoupled from them.
type StatsSource func(ctx context.Context) map[string]any

// Publisher manages the broker connection and the periodic state
// publish loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	counters   *Counters
	sources    []StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, counters *Counters, sources []StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		counters:   counters,
		sources:    sources,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// canceled. On every (re-)connect it publishes the retained info and
// availability messages.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishInfo(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "huginn-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "huginn/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic() string {
	return p.baseTopic() + "/state"
}

func (p *Publisher) infoTopic() string {
	return p.baseTopic() + "/info"
}

// infoPayload is the retained instance metadata message.
func (p *Publisher) infoPayload() map[string]any {
	return map[string]any{
		"instance_id": p.instanceID,
		"device_name": p.cfg.DeviceName,
		"version":     buildinfo.Version,
		"started_at":  buildinfo.BuildTime,
	}
}

func (p *Publisher) publishInfo(ctx context.Context, cm *autopaho.ConnectionManager) {
	payload, err := json.Marshal(p.infoPayload())
	if err != nil {
		p.logger.Error("mqtt marshal info payload", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.infoTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt info publish failed", "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishState(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishState(ctx)
		}
	}
}

// statePayload merges the bus counters with every stats source into
// one JSON document.
func (p *Publisher) statePayload(ctx context.Context) map[string]any {
	state := make(map[string]any)
	if p.counters != nil {
		for k, v := range p.counters.Snapshot() {
			state[k] = v
		}
	}
	for _, src := range p.sources {
		for k, v := range src(ctx) {
			state[k] = v
		}
	}
	state["uptime"] = buildinfo.Uptime().Truncate(time.Second).String()
	return state
}

func (p *Publisher) publishState(ctx context.Context) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(p.statePayload(ctx))
	if err != nil {
		p.logger.Error("mqtt marshal state payload", "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt state published", "bytes", len(payload))
}
