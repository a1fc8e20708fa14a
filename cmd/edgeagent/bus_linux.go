//go:build linux

package main

import (
	"github.com/vectaiot/edgeagent/canbus"
	"github.com/vectaiot/edgeagent/config"
)

// dialBus opens a SocketCAN endpoint for one configured interface:
// the link is brought up (applying the configured bit-rate if the
// link was down) before the socket is dialed, and the config's
// timestamp mode is mapped onto the socket's control-message options.
func dialBus(iface config.InterfaceConfig, cfg *config.Config) (canbus.Bus, error) {
	if err := canbus.EnsureInterfaceUp(iface.Name, iface.Bitrate); err != nil {
		return nil, err
	}
	opts := canbus.DialSocketCANOptions{EnableFD: cfg.ForceCanFD}
	switch cfg.CanTimestampType {
	case config.TimestampKernelSoftware:
		opts.Timestamp = canbus.TimestampModeKernelSoftware
	case config.TimestampKernelHardware:
		opts.Timestamp = canbus.TimestampModeKernelHardware
	default:
		opts.Timestamp = canbus.TimestampModePolling
	}
	return canbus.DialSocketCAN(iface.Name, opts)
}
