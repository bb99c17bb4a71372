// Package gateway owns the inbound half of the bridge: it keeps a
// subscription to the Meshtastic JSON topic alive across broker restarts
// and routes each decoded message to the identity resolver or the position
// reporter. Messages are processed strictly in arrival order; only the
// per-report delivery fan-out inside the reporter is concurrent.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wpamesh/meshtopo/pkg/auth"
	"github.com/wpamesh/meshtopo/pkg/config"
	"github.com/wpamesh/meshtopo/pkg/meshtastic"
	"github.com/wpamesh/meshtopo/pkg/models"
)

const (
	inboundQueueSize  = 256
	connectTimeout    = 10 * time.Second
	reconnectMinDelay = time.Second
	reconnectMaxDelay = time.Minute
	// Milliseconds paho waits for in-flight work during Disconnect.
	disconnectQuiesce = 250
)

// identityResolver is the resolution surface the gateway routes metadata
// and lookups through. *resolver.Resolver satisfies it.
type identityResolver interface {
	OnNodeInfo(numericID meshtastic.NodeID, info *meshtastic.NodeInfo)
	ResolveHardwareID(numericID meshtastic.NodeID) string
	ResolveCallsign(hardwareID string) string
}

// positionSender delivers resolved reports. *caltopo.Reporter satisfies it.
type positionSender interface {
	SendPositionUpdate(ctx context.Context, report models.PositionReport) bool
}

// Gateway is the ingest loop. Create it with New and drive it with Run;
// Run blocks until the context is cancelled.
type Gateway struct {
	log      *slog.Logger
	cfg      *config.Configuration
	resolver identityResolver
	reporter positionSender
	stats    *stats
	inbound  chan []byte
	connLost chan error
}

func New(cfg *config.Configuration, resolver identityResolver, reporter positionSender, log *slog.Logger) *Gateway {
	return &Gateway{
		log:      log,
		cfg:      cfg,
		resolver: resolver,
		reporter: reporter,
		stats:    newStats(),
		inbound:  make(chan []byte, inboundQueueSize),
		connLost: make(chan error, 1),
	}
}

// Stats returns a point-in-time copy of the bridge counters.
func (g *Gateway) Stats() models.StatsSnapshot {
	return g.stats.snapshot()
}

// Run connects to the broker, subscribes, and consumes messages until ctx
// is cancelled. Connection-level failures are absorbed here with doubling
// backoff; they are never fatal. This is the only place transport errors
// are handled — everything inside the message loop recovers per message.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := reconnectMinDelay
	for {
		client, err := g.connect()
		if err == nil {
			backoff = reconnectMinDelay
			g.stats.connected.Store(true)
			lostErr := g.consume(ctx, client)
			g.stats.connected.Store(false)
			client.Disconnect(disconnectQuiesce)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.Warn("connection to broker lost", "error", lostErr)
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.Warn("broker connect failed", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err != nil {
			backoff = min(2*backoff, reconnectMaxDelay)
		}
	}
}

// connect dials the broker and subscribes to the configured topic filter.
// Reconnection is owned by Run, so the paho client's own auto-reconnect
// stays off and a fresh client is built per attempt.
func (g *Gateway) connect() (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(g.cfg.BrokerAddr())
	opts.SetClientID(g.clientID())
	if g.cfg.MQTT.Username != "" {
		opts.SetUsername(g.cfg.MQTT.Username)
		opts.SetPassword(g.cfg.MQTT.Password)
	}
	opts.SetKeepAlive(g.cfg.MQTT.Keepalive)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case g.connLost <- err:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s timed out", g.cfg.BrokerAddr())
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	topic := g.cfg.MQTT.Topic
	if token := client.Subscribe(topic, 0, g.onMessage); token.Wait() && token.Error() != nil {
		client.Disconnect(disconnectQuiesce)
		return nil, fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	g.log.Info("subscribed to broker",
		"broker", g.cfg.BrokerAddr(),
		"topic", topic)
	return client, nil
}

// clientID appends a random suffix so a restarted bridge never collides
// with its previous session on the broker.
func (g *Gateway) clientID() string {
	suffix, err := auth.RandomHex(4)
	if err != nil {
		suffix = fmt.Sprintf("%d", time.Now().UnixNano()%1000000)
	}
	return fmt.Sprintf("%s-%s", g.cfg.MQTT.ClientID, suffix)
}

// onMessage runs on the paho router goroutine: copy the payload and hand it
// to the consume loop. A full queue drops the message rather than blocking
// the broker connection.
func (g *Gateway) onMessage(_ mqtt.Client, msg mqtt.Message) {
	g.stats.received.Add(1)
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	select {
	case g.inbound <- payload:
	default:
		g.stats.discarded.Add(1)
		g.log.Warn("inbound queue full, dropping message", "topic", msg.Topic())
	}
}

// consume processes inbound messages in arrival order until the connection
// drops or ctx is cancelled. Returns the connection loss cause, or ctx.Err.
func (g *Gateway) consume(ctx context.Context, _ mqtt.Client) error {
	// Discard any loss signal left over from a previous connection.
	select {
	case <-g.connLost:
	default:
	}

	ticker := time.NewTicker(g.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-g.connLost:
			return err
		case <-ticker.C:
			g.logStats()
		case payload := <-g.inbound:
			g.handleMessage(ctx, payload)
		}
	}
}

// handleMessage decodes and routes one message. Every failure path here is
// per-message: log, count, move on. Nothing a device can publish may take
// down the subscription.
func (g *Gateway) handleMessage(ctx context.Context, payload []byte) {
	msg, err := meshtastic.Decode(payload)
	if err != nil {
		g.stats.discarded.Add(1)
		g.log.Warn("undecodable message discarded", "error", err, "bytes", len(payload))
		return
	}
	g.stats.countKind(msg.Kind)

	switch msg.Kind {
	case meshtastic.KindNodeInfo:
		g.resolver.OnNodeInfo(msg.From, msg.NodeInfo)
	case meshtastic.KindPosition:
		g.handlePosition(ctx, msg)
	case meshtastic.KindTelemetry:
		g.handleTelemetry(msg)
	case meshtastic.KindTraceroute:
		g.handleTraceroute(msg)
	default:
		g.log.Debug("ignoring message of unhandled kind",
			"type", msg.Type,
			"from", msg.From.String())
	}
	g.stats.processed.Add(1)
}

// handlePosition resolves the sender and relays the fix. Identity is always
// resolved (and thereby learned) before the registration policy is applied:
// policy gates reporting, not resolution.
func (g *Gateway) handlePosition(ctx context.Context, msg *meshtastic.Message) {
	pos := msg.Position
	if !pos.HasFix() {
		g.log.Debug("position without a fix, nothing to relay", "from", msg.From.String())
		return
	}

	hardwareID := g.resolver.ResolveHardwareID(msg.From)
	if !g.cfg.Devices.AllowUnknown && !g.cfg.IsRegistered(hardwareID) {
		g.stats.policyRejected.Add(1)
		g.log.Info("unregistered device, report suppressed", "hardware_id", hardwareID)
		return
	}

	report := models.PositionReport{
		Callsign:  g.resolver.ResolveCallsign(hardwareID),
		Latitude:  pos.Latitude(),
		Longitude: pos.Longitude(),
		Group:     g.cfg.GroupFor(hardwareID),
	}
	g.log.Debug("relaying position",
		"callsign", report.Callsign,
		"lat", report.Latitude,
		"lng", report.Longitude)
	if g.reporter.SendPositionUpdate(ctx, report) {
		g.stats.sent.Add(1)
	} else {
		g.stats.failed.Add(1)
		g.log.Warn("position relay failed for every destination", "callsign", report.Callsign)
	}
}

// handleTelemetry acknowledges device vitals without relaying them; the
// position-report API has no ingest for telemetry.
func (g *Gateway) handleTelemetry(msg *meshtastic.Message) {
	attrs := []any{"from", msg.From.String()}
	if tele := msg.Telemetry; tele.BatteryLevel != nil {
		attrs = append(attrs, "battery_level", *tele.BatteryLevel)
	}
	g.log.Debug("telemetry received", attrs...)
}

// handleTraceroute records the observed hop chain for mesh diagnostics.
func (g *Gateway) handleTraceroute(msg *meshtastic.Message) {
	hops := make([]string, 0, len(msg.Traceroute.Route))
	for _, hop := range msg.Traceroute.Route {
		hops = append(hops, hop.String())
	}
	g.log.Debug("traceroute received",
		"from", msg.From.String(),
		"route", strings.Join(hops, ","))
}

func (g *Gateway) logStats() {
	snap := g.stats.snapshot()
	g.log.Info("bridge statistics",
		"uptime", snap.Uptime().Round(time.Second),
		"received", snap.MessagesReceived,
		"processed", snap.MessagesProcessed,
		"discarded", snap.MessagesDiscarded,
		"policy_rejected", snap.PolicyRejected,
		"sent", snap.PositionsSent,
		"failed", snap.PositionsFailed)
}
