package config

import "time"

// FleetmeshConfig is the full configuration tree for both roles. Ports are
// read at startup; replacing them through the admin surface only takes
// effect after a restart.
type FleetmeshConfig struct {
	Node NodeConfig `mapstructure:"Node"`
}

type NodeConfig struct {
	// Name identifies this process in beacons and registrations.
	Name string `mapstructure:"Name"`

	Ports       PortsConfig       `mapstructure:"Ports"`
	Discovery   DiscoveryConfig   `mapstructure:"Discovery"`
	Heartbeat   HeartbeatConfig   `mapstructure:"Heartbeat"`
	Accelerator AcceleratorConfig `mapstructure:"Accelerator"`
}

// PortsConfig carries the three port roles. Public and Registration are
// deliberately distinct: client-facing traffic and worker registration never
// share a socket.
type PortsConfig struct {
	Discovery    int `mapstructure:"Discovery"`
	Public       int `mapstructure:"Public"`
	Registration int `mapstructure:"Registration"`
	AdminAPI     int `mapstructure:"AdminAPI"`
}

type DiscoveryConfig struct {
	// BroadcastAddress is where beacon datagrams are sent.
	BroadcastAddress string        `mapstructure:"BroadcastAddress"`
	BeaconInterval   time.Duration `mapstructure:"BeaconInterval"`
	ScanTimeout      time.Duration `mapstructure:"ScanTimeout"`
}

type HeartbeatConfig struct {
	StatusInterval time.Duration `mapstructure:"StatusInterval"`
	// LivenessWindow is how long a session may stay quiet before its
	// liveness indicator goes stale.
	LivenessWindow time.Duration `mapstructure:"LivenessWindow"`
}

type AcceleratorConfig struct {
	// Disabled skips hardware probing and forces the CPU fallback.
	Disabled bool `mapstructure:"Disabled"`
	// SelfTestSize is the vector length of the startup self-test.
	SelfTestSize int `mapstructure:"SelfTestSize"`
}
