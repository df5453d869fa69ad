package zdo

import (
	"fmt"

	"xbee-topology/internal/xbee"
)

const (
	clusterRouteTableReq = 0x0032
	clusterRouteTableRsp = 0x8032

	routeEntryLen = 5

	// Consecutive empty pages tolerated before the exchange gives up. The
	// cursor is not advanced on an empty page, so without a cap a
	// misbehaving device would be re-polled forever.
	maxEmptyResponses = 3
)

// RouteStatus is the status of a routing table entry.
type RouteStatus int8

const (
	RouteStatusActive             RouteStatus = 0
	RouteStatusDiscoveryUnderway  RouteStatus = 1
	RouteStatusDiscoveryFailed    RouteStatus = 2
	RouteStatusInactive           RouteStatus = 3
	RouteStatusValidationUnderway RouteStatus = 4
	RouteStatusUnknown            RouteStatus = -1
)

func (s RouteStatus) String() string {
	switch s {
	case RouteStatusActive:
		return "active"
	case RouteStatusDiscoveryUnderway:
		return "discovery underway"
	case RouteStatusDiscoveryFailed:
		return "discovery failed"
	case RouteStatusInactive:
		return "inactive"
	case RouteStatusValidationUnderway:
		return "validation underway"
	default:
		return "unknown"
	}
}

func routeStatusFromValue(v byte) RouteStatus {
	if v <= 4 {
		return RouteStatus(v)
	}
	return RouteStatusUnknown
}

// Route is one decoded routing table entry.
type Route struct {
	Destination         xbee.Addr16 `json:"destination"`
	NextHop             xbee.Addr16 `json:"next_hop"`
	Status              RouteStatus `json:"status"`
	LowMemory           bool        `json:"low_memory"`
	ManyToOne           bool        `json:"many_to_one"`
	RouteRecordRequired bool        `json:"route_record_required"`
}

func (r Route) String() string {
	return fmt.Sprintf("destination %s via %s (%s, low-memory: %t, many-to-one: %t, route record required: %t)",
		r.Destination, r.NextHop, r.Status, r.LowMemory, r.ManyToOne, r.RouteRecordRequired)
}

// RouteFunc receives each route as soon as its entry is decoded.
type RouteFunc func(node xbee.Node, route Route)

// RouteTableFunc receives the final route list and error when the
// exchange finishes.
type RouteTableFunc func(node xbee.Node, routes []Route, err error)

// RouteTableReader reads the routing table of a node, issuing as many
// paginated requests as the table needs under a single transaction ID.
// The reader is single-use.
type RouteTableReader struct {
	cmd    *command
	target xbee.Node

	routes         []Route
	total          int
	cursor         int
	emptyResponses int
	routeCB        RouteFunc
}

// NewRouteTableReader creates a reader for target.
func NewRouteTableReader(target xbee.Node, opts ...Option) (*RouteTableReader, error) {
	r := &RouteTableReader{target: target}
	cmd, err := newCommand(target, clusterRouteTableReq, clusterRouteTableRsp, r, opts...)
	if err != nil {
		return nil, err
	}
	r.cmd = cmd
	return r, nil
}

// Read retrieves the routing table. Without a route callback it blocks and
// returns the accumulated routes; on failure the routes decoded before the
// failure are still returned alongside the error. With a route callback
// the exchange runs asynchronously, Read returns (nil, nil) immediately,
// each route is streamed to routeCB as it is decoded, and done (if
// non-nil) receives the final list and error.
func (r *RouteTableReader) Read(routeCB RouteFunc, done RouteTableFunc) ([]Route, error) {
	r.routeCB = routeCB
	notify := func() {
		if done != nil {
			done(r.target, r.routes, r.cmd.Err())
		}
	}
	if routeCB != nil {
		r.cmd.start(false, notify)
		return nil, nil
	}
	r.cmd.start(true, notify)
	return r.routes, r.cmd.Err()
}

// Stop aborts an in-progress read. See command.Stop.
func (r *RouteTableReader) Stop() { r.cmd.Stop() }

func (r *RouteTableReader) resetState() {
	r.routes = []Route{}
	r.total = 0
	r.cursor = 0
	r.emptyResponses = 0
}

func (r *RouteTableReader) isBroadcast() bool { return false }

// requestPayload asks the device to resume the table at the cursor.
func (r *RouteTableReader) requestPayload() []byte {
	return []byte{r.cmd.txn, byte(r.cursor)}
}

func (r *RouteTableReader) parseResponse(data []byte) bool {
	// Byte 0: total entries on the device.
	// Byte 1: start index acknowledged by the device (the local cursor is
	//         authoritative, so this is ignored).
	// Byte 2: entry count in this response.
	// Bytes 3..: count fixed-size entries.
	if len(data) < 3 {
		r.cmd.fail(fmt.Errorf("zdo: route table response truncated (%d bytes)", len(data)))
		return false
	}
	r.total = int(data[0])
	count := int(data[2])

	if count == 0 {
		if r.cursor >= r.total {
			return true // empty table
		}
		r.emptyResponses++
		if r.emptyResponses > maxEmptyResponses {
			r.cmd.fail(fmt.Errorf("zdo: route table: %d consecutive empty responses", r.emptyResponses))
			return false
		}
		r.requestNext()
		return false
	}
	r.emptyResponses = 0

	for n := 0; n < count; n++ {
		off := 3 + n*routeEntryLen
		if off+routeEntryLen > len(data) {
			break
		}
		route := parseRoute(data[off : off+routeEntryLen])
		r.routes = append(r.routes, route)
		if r.routeCB != nil {
			r.routeCB(r.target, route)
		}
		r.cursor++
	}

	if r.cursor < r.total {
		// More entries remain: next page under the same transaction,
		// without touching handler registration or device configuration.
		r.requestNext()
		return false
	}
	return true
}

func (r *RouteTableReader) requestNext() {
	if err := r.cmd.sendRequest(); err != nil {
		r.cmd.fail(err)
	}
}

func (r *RouteTableReader) onSuccess() {}

// parseRoute decodes one 5-byte routing table entry.
func parseRoute(b []byte) Route {
	// Bytes 0-1: destination (little endian).
	// Byte 2:    bits 5-7 status, bit 3 low-memory concentrator,
	//            bit 4 many-to-one, bit 5 route record required.
	// Bytes 3-4: next hop (little endian).
	return Route{
		Destination:         xbee.Addr16FromBytes(b[1], b[0]),
		NextHop:             xbee.Addr16FromBytes(b[4], b[3]),
		Status:              routeStatusFromValue(bitField(b[2], 5, 3)),
		LowMemory:           bitSet(b[2], 3),
		ManyToOne:           bitSet(b[2], 4),
		RouteRecordRequired: bitSet(b[2], 5),
	}
}
