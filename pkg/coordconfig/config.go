// Package coordconfig holds the coordinator's tunables: timeouts, queue
// capacities, and the disconnect grace window. Defaults are applied via
// struct tags (mcuadros/go-defaults, as the teacher's test helpers apply
// them to assertion options), with an optional YAML override file.
package coordconfig

import (
	"os"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Config holds per-Coordinator tunables.
type Config struct {
	// DiscoveryTimeout bounds discover_services/discover_characteristics
	// completion while connecting.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"10s"`

	// DescriptorReadTimeout bounds discover_descriptors (spec.md's
	// supplemented feature, grounded on the teacher's
	// descriptorReadTimeout field); zero skips descriptor discovery.
	DescriptorReadTimeout time.Duration `yaml:"descriptor_read_timeout" default:"5s"`

	// RSSITimeout bounds a single read_rssi round trip.
	RSSITimeout time.Duration `yaml:"rssi_timeout" default:"5s"`

	// DisconnectActivityInterval is subtracted from "now" when stamping
	// last_activity on disconnect (spec section 4.3 step 7), giving a
	// central-configurable grace window before staleness applies.
	DisconnectActivityInterval time.Duration `yaml:"disconnect_activity_interval" default:"0s"`

	// ControlQueueCapacity bounds the delegate bridge's blocking
	// control-message channel.
	ControlQueueCapacity int `yaml:"control_queue_capacity" default:"64"`

	// NotificationQueueCapacity bounds the delegate bridge's
	// overwrite-oldest notification-value channel.
	NotificationQueueCapacity int `yaml:"notification_queue_capacity" default:"256"`
}

// Default returns a Config with every field at its tagged default.
func Default() Config {
	var c Config
	defaults.SetDefaults(&c)
	return c
}

// Load reads a YAML file at path and overlays it onto Default(). A
// missing field in the file keeps its tagged default.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}
