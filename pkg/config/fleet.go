package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/fleetbridge/pkg/access"
	"github.com/andrej220/fleetbridge/pkg/config/configstore"
	"github.com/andrej220/fleetbridge/pkg/config/filestore"
)

const (
	DefaultSSHPort       = 22
	DefaultHopTimeout    = 3 // seconds
	DefaultMaxWorkers    = 16
	DefaultWakeBroadcast = "255.255.255.255:9"
)

var validate = validator.New()

// AuditConfig enables the Kafka audit sink when Brokers is set.
type AuditConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" bson:"brokers"`
	Topic   string   `yaml:"topic" json:"topic" bson:"topic" validate:"required_with=Brokers"`
}

// FleetConfig is the whole static configuration: administrators, working
// directories on each tier, and the section tree.
type FleetConfig struct {
	Name          string           `yaml:"name" json:"name" bson:"name"`
	Admins        []string         `yaml:"admins" json:"admins" bson:"admins"`
	ServerTmpDir  string           `yaml:"server_tmp_dir" json:"server_tmp_dir" bson:"server_tmp_dir"`
	BridgeTmpDir  string           `yaml:"bridge_tmp_dir" json:"bridge_tmp_dir" bson:"bridge_tmp_dir" validate:"required"`
	RemoteTmpDir  string           `yaml:"remote_tmp_dir" json:"remote_tmp_dir" bson:"remote_tmp_dir" validate:"required"`
	PluginsDir    string           `yaml:"plugins_dir" json:"plugins_dir" bson:"plugins_dir" validate:"required"`
	InventoryDir  string           `yaml:"inventory_dir" json:"inventory_dir" bson:"inventory_dir"`
	SSHPort       int              `yaml:"ssh_port" json:"ssh_port" bson:"ssh_port" validate:"min=1,max=65535"`
	HopTimeoutSec int              `yaml:"hop_timeout" json:"hop_timeout" bson:"hop_timeout" validate:"min=1"`
	MaxWorkers    int              `yaml:"max_workers" json:"max_workers" bson:"max_workers" validate:"min=1"`
	WakeBroadcast string           `yaml:"wake_broadcast" json:"wake_broadcast" bson:"wake_broadcast" validate:"hostname_port"`
	Structure     []access.Section `yaml:"structure" json:"structure" bson:"structure" validate:"dive"`
	Audit         AuditConfig      `yaml:"audit" json:"audit" bson:"audit"`
}

func (c *FleetConfig) HopTimeout() time.Duration {
	return time.Duration(c.HopTimeoutSec) * time.Second
}

// Policy builds the access policy for the configured tree.
func (c *FleetConfig) Policy() *access.Policy {
	return access.NewPolicy(c.Admins, c.Structure)
}

func (c *FleetConfig) applyDefaults() {
	if c.SSHPort == 0 {
		c.SSHPort = DefaultSSHPort
	}
	if c.HopTimeoutSec == 0 {
		c.HopTimeoutSec = DefaultHopTimeout
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.WakeBroadcast == "" {
		c.WakeBroadcast = DefaultWakeBroadcast
	}
}

func (c *FleetConfig) Validate() error {
	return validate.Struct(c)
}

// LoadFleet reads the configuration from store, fills defaults and
// validates it. A file-backed configuration keeps its inventories next to
// the config file unless inventory_dir says otherwise.
func LoadFleet(store configstore.ConfigStore) (*FleetConfig, error) {
	cfg := &FleetConfig{}
	if err := store.Load(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if fs, ok := store.(*filestore.FileStore); ok {
		if cfg.InventoryDir == "" {
			cfg.InventoryDir = filepath.Dir(fs.Path)
		} else if !filepath.IsAbs(cfg.InventoryDir) {
			cfg.InventoryDir = filepath.Join(filepath.Dir(fs.Path), cfg.InventoryDir)
		}
	}
	if cfg.InventoryDir == "" {
		return nil, fmt.Errorf("invalid configuration: inventory_dir is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
