//go:build no_mqtt

package main

import (
	"log/slog"

	"xbee-topology/internal/topology"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *topology.Service, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
