//go:build !no_mqtt

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"xbee-topology/internal/topology"
	"xbee-topology/internal/zdo"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes topology scan results to MQTT and accepts scan
// commands over it.
type Bridge struct {
	client pahomqtt.Client
	svc    *topology.Service
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Routes accumulate per node until the owning scan completes.
	mu     sync.Mutex
	routes map[string][]zdo.Route
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(svc *topology.Service, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		svc:    svc,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		routes: make(map[string][]zdo.Route),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("xbee-topology").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeScanCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to topology events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.svc.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event topology.Event) {
	// Every event goes to the event stream, unretained.
	b.publishMessage(message{Topic: eventsTopic(b.prefix), Payload: mustJSON(event)})

	switch event.Type {
	case topology.EventNodeDescriptor:
		data, ok := event.Data.(topology.NodeDescriptorData)
		if !ok {
			return
		}
		b.publishMessage(buildDescriptorMessage(b.prefix, data.Addr64, data.Descriptor))

	case topology.EventRoute:
		data, ok := event.Data.(topology.RouteData)
		if !ok {
			return
		}
		b.mu.Lock()
		b.routes[data.Addr64] = append(b.routes[data.Addr64], data.Route)
		b.mu.Unlock()

	case topology.EventScanComplete:
		data, ok := event.Data.(topology.ScanCompleteData)
		if !ok {
			return
		}
		b.mu.Lock()
		routes := b.routes[data.Addr64]
		delete(b.routes, data.Addr64)
		b.mu.Unlock()
		b.publishMessage(buildRoutesMessage(b.prefix, data.Addr64, routes))

	case topology.EventScanError:
		data, ok := event.Data.(topology.ScanErrorData)
		if !ok {
			return
		}
		b.mu.Lock()
		delete(b.routes, data.Addr64)
		b.mu.Unlock()
	}
}

func (b *Bridge) subscribeScanCommands() {
	topic := scanTopic(b.prefix)
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		cmd, err := parseScanCommand(msg.Payload())
		if err != nil {
			b.logger.Warn("invalid scan command", "err", err)
			return
		}
		go b.runScan(cmd)
	})
}

func (b *Bridge) runScan(cmd scanCommand) {
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Minute)
	defer cancel()

	if cmd.All {
		if err := b.svc.ScanAll(ctx); err != nil {
			b.logger.Warn("scan all failed", "err", err)
		}
		return
	}
	if _, _, err := b.svc.ScanNode(ctx, cmd.Addr64); err != nil {
		b.logger.Warn("scan failed", "addr64", cmd.Addr64, "err", err)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publishMessage(message{Topic: b.prefix + "/bridge/state", Payload: []byte(state), Retained: true})
}

func (b *Bridge) publishMessage(msg message) {
	token := b.client.Publish(msg.Topic, 1, msg.Retained, msg.Payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", msg.Topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", msg.Topic, "err", err)
		}
	}()
}
