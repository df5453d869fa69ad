package zdo

import (
	"errors"
	"strings"
	"testing"
	"time"

	"xbee-topology/internal/xbee"
)

var (
	routeEntry0 = []byte{0x01, 0x00, 0b00000000, 0x00, 0x00}
	routeEntry1 = []byte{0x02, 0x00, 0b00001001, 0x01, 0x00}
)

func newRouteReader(t *testing.T, node *fakeNode, opts ...Option) *RouteTableReader {
	t.Helper()
	opts = append([]Option{WithSequence(NewSequence()), WithConfigureOutputMode(false)}, opts...)
	r, err := NewRouteTableReader(node, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// routePager answers route table requests from a fixed entry list,
// entriesPerPage at a time, honoring the requested start index.
func routePager(tr *fakeTransport, node *fakeNode, entries [][]byte, entriesPerPage int) {
	tr.onSend = func(sf sentFrame) {
		tr.deliver(transmitStatus(sf.FrameID, xbee.DeliverySuccess))

		start := int(sf.Payload[1])
		count := entriesPerPage
		if start+count > len(entries) {
			count = len(entries) - start
		}
		body := []byte{byte(len(entries)), byte(start), byte(count)}
		for _, e := range entries[start : start+count] {
			body = append(body, e...)
		}
		tr.deliver(node.response(clusterRouteTableRsp, sf.FrameID, 0x00, body))
	}
}

func TestRouteTableReadSinglePage(t *testing.T) {
	tr := newFakeTransport()
	node := newFakeNode(tr)
	r := newRouteReader(t, node)

	routePager(tr, node, [][]byte{routeEntry0, routeEntry1}, 8)

	routes, err := r.Read(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}

	want0 := Route{Destination: 0x0001, NextHop: 0x0000, Status: RouteStatusActive}
	if routes[0] != want0 {
		t.Errorf("route 0 = %+v, want %+v", routes[0], want0)
	}
	want1 := Route{Destination: 0x0002, NextHop: 0x0001, Status: RouteStatusActive, LowMemory: true}
	if routes[1] != want1 {
		t.Errorf("route 1 = %+v, want %+v", routes[1], want1)
	}
}

func TestRouteTableRechunkingYieldsSameList(t *testing.T) {
	entries := [][]byte{
		{0x01, 0x00, 0b00000000, 0x00, 0x00},
		{0x02, 0x00, 0b00001001, 0x01, 0x00},
		{0x03, 0x00, 0b00010010, 0x02, 0x00},
		{0x04, 0x00, 0b00100011, 0x03, 0x00},
		{0x05, 0x00, 0b00000100, 0x04, 0x00},
	}

	read := func(perPage int) []Route {
		tr := newFakeTransport()
		node := newFakeNode(tr)
		r := newRouteReader(t, node)
		routePager(tr, node, entries, perPage)
		routes, err := r.Read(nil, nil)
		if err != nil {
			t.Fatalf("per page %d: %v", perPage, err)
		}
		return routes
	}

	all := read(len(entries))
	oneByOne := read(1)
	if len(all) != len(entries) || len(oneByOne) != len(entries) {
		t.Fatalf("lengths = %d / %d, want %d", len(all), len(oneByOne), len(entries))
	}
	for i := range all {
		if all[i] != oneByOne[i] {
			t.Errorf("route %d differs: %+v vs %+v", i, all[i], oneByOne[i])
		}
	}
}

func TestRouteTablePaginationRequestCount(t *testing.T) {
	tests := []struct {
		total        int
		perPage      int
		wantRequests int
	}{
		{1, 1, 1},
		{2, 1, 2},
		{5, 2, 3},
		{6, 2, 3},
		{7, 3, 3},
	}
	for _, tt := range tests {
		entries := make([][]byte, tt.total)
		for i := range entries {
			entries[i] = []byte{byte(i + 1), 0x00, 0x00, 0x00, 0x00}
		}

		tr := newFakeTransport()
		node := newFakeNode(tr)
		r := newRouteReader(t, node)
		routePager(tr, node, entries, tt.perPage)

		routes, err := r.Read(nil, nil)
		if err != nil {
			t.Fatalf("total %d per page %d: %v", tt.total, tt.perPage, err)
		}
		if len(routes) != tt.total {
			t.Errorf("total %d per page %d: routes = %d", tt.total, tt.perPage, len(routes))
		}
		sent := tr.sentFrames()
		if len(sent) != tt.wantRequests {
			t.Errorf("total %d per page %d: requests = %d, want %d", tt.total, tt.perPage, len(sent), tt.wantRequests)
		}
		// All pages go out under the same transaction.
		for _, sf := range sent[1:] {
			if sf.FrameID != sent[0].FrameID {
				t.Errorf("transaction changed between pages")
			}
		}
	}
}

func TestRouteTableEmptyTable(t *testing.T) {
	tr := newFakeTransport()
	node := newFakeNode(tr)
	r := newRouteReader(t, node)
	routePager(tr, node, nil, 8)

	routes, err := r.Read(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 0 {
		t.Errorf("routes = %d, want 0", len(routes))
	}
	if got := len(tr.sentFrames()); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestRouteTableEmptyResponseRetryIsCapped(t *testing.T) {
	tr := newFakeTransport()
	node := newFakeNode(tr)
	r := newRouteReader(t, node, WithTimeout(5*time.Second))

	// Device claims 2 entries but never produces any.
	tr.onSend = func(sf sentFrame) {
		tr.deliver(transmitStatus(sf.FrameID, xbee.DeliverySuccess))
		tr.deliver(node.response(clusterRouteTableRsp, sf.FrameID, 0x00, []byte{2, 0, 0}))
	}

	start := time.Now()
	_, err := r.Read(nil, nil)
	if err == nil || !strings.Contains(err.Error(), "empty responses") {
		t.Fatalf("err = %v, want empty responses error", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("read took %v, should fail without waiting out the timeout", elapsed)
	}
	// Initial request plus the capped retries.
	if got := len(tr.sentFrames()); got != 1+maxEmptyResponses {
		t.Errorf("requests = %d, want %d", got, 1+maxEmptyResponses)
	}
}

func TestRouteTableRemoteStatusStopsPagination(t *testing.T) {
	tr := newFakeTransport()
	node := newFakeNode(tr)
	r := newRouteReader(t, node)

	tr.onSend = func(sf sentFrame) {
		tr.deliver(transmitStatus(sf.FrameID, xbee.DeliverySuccess))
		tr.deliver(node.response(clusterRouteTableRsp, sf.FrameID, 0x80, nil))
	}

	_, err := r.Read(nil, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if got := len(tr.sentFrames()); got != 1 {
		t.Errorf("requests = %d, want 1 (no request after error)", got)
	}
}

func TestRouteTablePartialResultsPreservedOnFailure(t *testing.T) {
	tr := newFakeTransport()
	node := newFakeNode(tr)
	r := newRouteReader(t, node)

	// First page succeeds with one of two entries, second page fails.
	tr.onSend = func(sf sentFrame) {
		tr.deliver(transmitStatus(sf.FrameID, xbee.DeliverySuccess))
		if sf.Payload[1] == 0 {
			body := append([]byte{2, 0, 1}, routeEntry0...)
			tr.deliver(node.response(clusterRouteTableRsp, sf.FrameID, 0x00, body))
		} else {
			tr.deliver(node.response(clusterRouteTableRsp, sf.FrameID, 0x01, nil))
		}
	}

	routes, err := r.Read(nil, nil)
	if err == nil {
		t.Fatal("want error from second page")
	}
	if len(routes) != 1 {
		t.Fatalf("routes = %d, want the 1 decoded before the failure", len(routes))
	}
	if routes[0].Destination != 0x0001 {
		t.Errorf("route 0 destination = %s", routes[0].Destination)
	}
}

func TestRouteTableStreamingCallback(t *testing.T) {
	tr := newFakeTransport()
	node := newFakeNode(tr)
	r := newRouteReader(t, node)
	routePager(tr, node, [][]byte{routeEntry0, routeEntry1}, 1)

	type streamed struct {
		node  xbee.Node
		route Route
	}
	stream := make(chan streamed, 4)
	done := make(chan struct{})
	var finalRoutes []Route
	var finalErr error

	routes, err := r.Read(
		func(n xbee.Node, rt Route) { stream <- streamed{n, rt} },
		func(n xbee.Node, rts []Route, e error) {
			finalRoutes, finalErr = rts, e
			close(done)
		},
	)
	// Asynchronous mode returns immediately with no list.
	if routes != nil || err != nil {
		t.Fatalf("async Read = %v, %v; want nil, nil", routes, err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback not invoked")
	}
	if finalErr != nil {
		t.Fatal(finalErr)
	}
	if len(finalRoutes) != 2 {
		t.Fatalf("final routes = %d, want 2", len(finalRoutes))
	}
	close(stream)
	var got []Route
	for s := range stream {
		if s.node != xbee.Node(node) {
			t.Errorf("callback node = %v", s.node)
		}
		got = append(got, s.route)
	}
	if len(got) != 2 {
		t.Fatalf("streamed routes = %d, want 2", len(got))
	}
	if got[0].Destination != 0x0001 || got[1].Destination != 0x0002 {
		t.Errorf("streamed order = %s, %s", got[0].Destination, got[1].Destination)
	}
}

func TestRouteTableStopBeforeAnswer(t *testing.T) {
	tr := newFakeTransport()
	node := newFakeNode(tr)
	r := newRouteReader(t, node, WithTimeout(30*time.Second))

	// Transmit status arrives, the application answer never does.
	tr.onSend = func(sf sentFrame) {
		tr.deliver(transmitStatus(sf.FrameID, xbee.DeliverySuccess))
	}

	type result struct {
		routes []Route
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		routes, err := r.Read(nil, nil)
		resCh <- result{routes, err}
	}()

	// Wait for the request to go out, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for len(tr.sentFrames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never sent")
		}
		time.Sleep(time.Millisecond)
	}
	r.Stop()

	select {
	case res := <-resCh:
		if !errors.Is(res.err, ErrAnswerNotReceived) {
			t.Errorf("err = %v, want ErrAnswerNotReceived", res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not return after Stop")
	}

	// Stop guarantees the handler was deregistered before returning.
	if got := tr.handlerCount(); got != 0 {
		t.Errorf("handlers still registered: %d", got)
	}
}

func TestRouteStatusFromValue(t *testing.T) {
	tests := []struct {
		in   byte
		want RouteStatus
	}{
		{0, RouteStatusActive},
		{1, RouteStatusDiscoveryUnderway},
		{2, RouteStatusDiscoveryFailed},
		{3, RouteStatusInactive},
		{4, RouteStatusValidationUnderway},
		{5, RouteStatusUnknown},
		{7, RouteStatusUnknown},
	}
	for _, tt := range tests {
		if got := routeStatusFromValue(tt.in); got != tt.want {
			t.Errorf("routeStatusFromValue(%d) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
