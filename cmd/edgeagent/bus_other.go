//go:build !linux

package main

import (
	"fmt"

	"github.com/vectaiot/edgeagent/canbus"
	"github.com/vectaiot/edgeagent/config"
)

// dialBus fails on platforms without SocketCAN; the agent's bus-facing
// subsystems only run on Linux.
func dialBus(iface config.InterfaceConfig, cfg *config.Config) (canbus.Bus, error) {
	return nil, fmt.Errorf("edgeagent: CAN interface %s requires Linux SocketCAN", iface.Name)
}
