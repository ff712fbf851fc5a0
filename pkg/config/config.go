package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	environmentVariablePrefix = "FLEETMESH"
	inferConfigTypes          = true
	automaticEnvVar           = true

	configType = "yaml"
	configName = "config"
)

var (
	environmentVariableReplace = strings.NewReplacer(".", "_")
	configDecoderHook          = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
)

// Default is the configuration a node starts from before any file or
// environment override is applied.
func Default() FleetmeshConfig {
	return FleetmeshConfig{
		Node: NodeConfig{
			Name: "fleetmesh",
			Ports: PortsConfig{
				Discovery:    6999,
				Public:       7000,
				Registration: 7001,
				AdminAPI:     7002,
			},
			Discovery: DiscoveryConfig{
				BroadcastAddress: "255.255.255.255",
				BeaconInterval:   5 * time.Second,
				ScanTimeout:      3 * time.Second,
			},
			Heartbeat: HeartbeatConfig{
				StatusInterval: 5 * time.Second,
				LivenessWindow: time.Second,
			},
			Accelerator: AcceleratorConfig{
				SelfTestSize: 1000,
			},
		},
	}
}

// Load initializes viper with defaults, merges an optional config file from
// path, binds FLEETMESH_* environment variables, and decodes the result.
func Load(path string) (FleetmeshConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(environmentVariablePrefix)
	v.SetTypeByDefaultValue(inferConfigTypes)
	v.SetEnvKeyReplacer(environmentVariableReplace)
	if automaticEnvVar {
		v.AutomaticEnv()
	}

	var defaults map[string]interface{}
	if err := mapstructure.Decode(Default(), &defaults); err != nil {
		return FleetmeshConfig{}, errors.Wrap(err, "decoding default config")
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(path)
		if err := v.ReadInConfig(); err != nil {
			// a missing file is fine, defaults apply
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
				return FleetmeshConfig{}, errors.Wrap(err, "reading config file")
			}
		}
	}

	var out FleetmeshConfig
	if err := v.Unmarshal(&out, configDecoderHook); err != nil {
		return FleetmeshConfig{}, errors.Wrap(err, "unmarshalling config")
	}
	return out, nil
}

// SavePorts writes replacement port settings into the config file under
// path, creating the file when absent and preserving whatever else it
// holds. A restarted process reads them back through Load.
func SavePorts(path string, ports PortsConfig) error {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return errors.Wrap(err, "reading config file")
		}
	}

	v.Set("Node.Ports.Discovery", ports.Discovery)
	v.Set("Node.Ports.Public", ports.Public)
	v.Set("Node.Ports.Registration", ports.Registration)
	v.Set("Node.Ports.AdminAPI", ports.AdminAPI)

	target := filepath.Join(path, configName+"."+configType)
	return errors.Wrapf(v.WriteConfigAs(target), "writing config file %s", target)
}

// ExportPorts publishes replacement port settings through the process
// environment. A relaunched child inherits the environment, so Load picks
// them up even when no config directory is in use.
func ExportPorts(ports PortsConfig) error {
	settings := map[string]int{
		"FLEETMESH_NODE_PORTS_DISCOVERY":    ports.Discovery,
		"FLEETMESH_NODE_PORTS_PUBLIC":       ports.Public,
		"FLEETMESH_NODE_PORTS_REGISTRATION": ports.Registration,
		"FLEETMESH_NODE_PORTS_ADMINAPI":     ports.AdminAPI,
	}
	for key, value := range settings {
		if err := os.Setenv(key, strconv.Itoa(value)); err != nil {
			return errors.Wrapf(err, "exporting %s", key)
		}
	}
	return nil
}
