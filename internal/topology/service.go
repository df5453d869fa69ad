package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xbee-topology/internal/store"
	"xbee-topology/internal/xbee"
	"xbee-topology/internal/zdo"
)

// ErrScanInProgress is returned when a scan is requested while another
// one is still running.
var ErrScanInProgress = errors.New("topology: scan already in progress")

// Radio produces reachable remote nodes. Satisfied by *xbee.Device.
type Radio interface {
	Remote(addr64 xbee.Addr64, addr16 xbee.Addr16) xbee.Node
}

// Config holds scan configuration.
type Config struct {
	// Timeout per ZDO exchange round. Zero means the zdo default.
	Timeout time.Duration
	// Interval between periodic full scans. Zero disables periodic scans.
	Interval time.Duration
	// ConfigureAO forces explicit frame delivery on the local radio for
	// the duration of each exchange.
	ConfigureAO bool
}

// Service scans nodes for their descriptor and routing table, persists
// the results, and publishes them on the event bus.
type Service struct {
	radio  Radio
	store  store.Store
	events *EventBus
	logger *slog.Logger
	cfg    Config

	mu       sync.Mutex
	scanning bool
}

// NewService creates a topology service.
func NewService(radio Radio, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		radio:  radio,
		store:  st,
		events: events,
		logger: logger,
		cfg:    cfg,
	}
}

// Events returns the service's event bus.
func (s *Service) Events() *EventBus { return s.events }

// AddNode registers a node so ScanAll picks it up. Known nodes keep their
// first-seen timestamp.
func (s *Service) AddNode(addr64 string, addr16 uint16) error {
	a64, err := xbee.ParseAddr64(addr64)
	if err != nil {
		return err
	}
	key := a64.String()
	err = s.store.UpdateNode(key, func(n *store.NodeRecord) error {
		n.Addr16 = addr16
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return s.store.SaveNode(&store.NodeRecord{
			Addr64:    key,
			Addr16:    addr16,
			FirstSeen: time.Now(),
		})
	}
	return err
}

// ScanNode reads the node descriptor and routing table of one node,
// persists both, and emits events along the way. The routing table read
// streams a route event per decoded entry. Partial route results are
// persisted even when the scan fails midway.
func (s *Service) ScanNode(ctx context.Context, addr64 string) (*store.NodeRecord, *store.RouteRecord, error) {
	a64, err := xbee.ParseAddr64(addr64)
	if err != nil {
		return nil, nil, err
	}
	key := a64.String()

	a16 := xbee.Addr16Unknown
	if rec, err := s.store.GetNode(key); err == nil {
		a16 = xbee.Addr16(rec.Addr16)
	}
	node := s.radio.Remote(a64, a16)

	desc, err := s.readDescriptor(ctx, node)
	if err != nil {
		s.scanFailed(key, err)
		return nil, nil, fmt.Errorf("scan %s: %w", key, err)
	}
	s.events.Emit(Event{Type: EventNodeDescriptor, Data: NodeDescriptorData{Addr64: key, Descriptor: desc}})

	routes, routesErr := s.readRoutes(ctx, node, key)

	now := time.Now()
	nodeRec := &store.NodeRecord{
		Addr64:      key,
		Addr16:      uint16(node.Addr16()),
		Descriptor:  desc,
		FirstSeen:   now,
		LastScanned: now,
	}
	if prev, err := s.store.GetNode(key); err == nil && !prev.FirstSeen.IsZero() {
		nodeRec.FirstSeen = prev.FirstSeen
	}
	if err := s.store.SaveNode(nodeRec); err != nil {
		return nil, nil, fmt.Errorf("save node %s: %w", key, err)
	}

	routeRec := &store.RouteRecord{Addr64: key, Routes: routes, ScannedAt: now}
	if err := s.store.SaveRoutes(routeRec); err != nil {
		return nil, nil, fmt.Errorf("save routes %s: %w", key, err)
	}

	if routesErr != nil {
		s.scanFailed(key, routesErr)
		return nodeRec, routeRec, fmt.Errorf("scan %s: %w", key, routesErr)
	}

	s.events.Emit(Event{Type: EventScanComplete, Data: ScanCompleteData{Addr64: key, Routes: len(routes)}})
	s.logger.Info("node scanned", "addr64", key, "role", desc.Role.String(), "routes", len(routes))
	return nodeRec, routeRec, nil
}

// ScanAll scans every node known to the store. Individual failures are
// logged and do not stop the walk. Only one scan runs at a time.
func (s *Service) ScanAll(ctx context.Context) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return ErrScanInProgress
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	nodes, err := s.store.ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, _, err := s.ScanNode(ctx, n.Addr64); err != nil {
			s.logger.Warn("scan failed", "addr64", n.Addr64, "error", err)
		}
	}
	return nil
}

// Run scans all known nodes on the configured interval until ctx is
// cancelled. With no interval configured it returns immediately.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ScanAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("periodic scan failed", "error", err)
			}
		}
	}
}

func (s *Service) readDescriptor(ctx context.Context, node xbee.Node) (*zdo.NodeDescriptor, error) {
	r, err := zdo.NewNodeDescriptorReader(node, s.zdoOptions()...)
	if err != nil {
		return nil, err
	}
	release := stopOnCancel(ctx, r.Stop)
	defer release()
	return r.Read()
}

// readRoutes runs the route table exchange asynchronously so each entry
// can be published as it is decoded, then waits for completion.
func (s *Service) readRoutes(ctx context.Context, node xbee.Node, key string) ([]zdo.Route, error) {
	r, err := zdo.NewRouteTableReader(node, s.zdoOptions()...)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var routes []zdo.Route
	var readErr error
	_, _ = r.Read(
		func(_ xbee.Node, route zdo.Route) {
			s.events.Emit(Event{Type: EventRoute, Data: RouteData{Addr64: key, Route: route}})
		},
		func(_ xbee.Node, final []zdo.Route, err error) {
			routes, readErr = final, err
			close(done)
		},
	)

	select {
	case <-done:
	case <-ctx.Done():
		r.Stop()
		<-done
	}
	return routes, readErr
}

func (s *Service) zdoOptions() []zdo.Option {
	opts := []zdo.Option{zdo.WithConfigureOutputMode(s.cfg.ConfigureAO)}
	if s.cfg.Timeout > 0 {
		opts = append(opts, zdo.WithTimeout(s.cfg.Timeout))
	}
	return opts
}

func (s *Service) scanFailed(key string, err error) {
	s.events.Emit(Event{Type: EventScanError, Data: ScanErrorData{Addr64: key, Error: err.Error()}})
	s.logger.Warn("scan error", "addr64", key, "error", err)
}

// stopOnCancel calls stop when ctx is cancelled. The returned release
// function disarms the watch; it must be called once the guarded
// operation has returned.
func stopOnCancel(ctx context.Context, stop func()) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return func() { close(done) }
}
