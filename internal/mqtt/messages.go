//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"xbee-topology/internal/zdo"
)

// message is one MQTT publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// descriptorTopic is where a node's descriptor is published, retained.
func descriptorTopic(prefix, addr64 string) string {
	return prefix + "/nodes/" + addr64 + "/descriptor"
}

// routesTopic is where a node's routing table is published, retained.
func routesTopic(prefix, addr64 string) string {
	return prefix + "/nodes/" + addr64 + "/routes"
}

// eventsTopic carries every topology event, not retained.
func eventsTopic(prefix string) string {
	return prefix + "/events"
}

// scanTopic is the command topic that triggers scans.
func scanTopic(prefix string) string {
	return prefix + "/scan/set"
}

func buildDescriptorMessage(prefix, addr64 string, desc *zdo.NodeDescriptor) message {
	return message{
		Topic:    descriptorTopic(prefix, addr64),
		Payload:  mustJSON(desc),
		Retained: true,
	}
}

func buildRoutesMessage(prefix, addr64 string, routes []zdo.Route) message {
	if routes == nil {
		routes = []zdo.Route{}
	}
	return message{
		Topic:    routesTopic(prefix, addr64),
		Payload:  mustJSON(routes),
		Retained: true,
	}
}

// scanCommand is the payload accepted on the scan command topic: either a
// bare 64-bit address, the word "all", or a JSON object.
type scanCommand struct {
	Addr64 string `json:"addr64"`
	All    bool   `json:"all"`
}

func parseScanCommand(payload []byte) (scanCommand, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" || strings.EqualFold(text, "all") {
		return scanCommand{All: true}, nil
	}
	if strings.HasPrefix(text, "{") {
		var cmd scanCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return scanCommand{}, fmt.Errorf("parse scan command: %w", err)
		}
		if !cmd.All && cmd.Addr64 == "" {
			return scanCommand{}, fmt.Errorf("scan command names no target")
		}
		return cmd, nil
	}
	return scanCommand{Addr64: text}, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
