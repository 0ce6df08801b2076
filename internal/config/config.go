package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Peer struct {
	Name    string `yaml:"name" validate:"required"`
	Address string `yaml:"address" validate:"required,url"`
	Host    string `yaml:"host"`
}

type MainConfig struct {
	NodeName          string   `yaml:"node_name" validate:"required"`
	LogPath           string   `yaml:"log_path"`
	LogLevel          string   `yaml:"log_level" validate:"oneof=debug info warn error"`
	ControlSocket     string   `yaml:"control_socket" validate:"required"`
	ControlSocketMode uint32   `yaml:"control_socket_mode" validate:"lte=511"`
	ControlTimeout    int64    `yaml:"control_timeout" validate:"gte=0"`
	ManagementAddr    string   `yaml:"management_addr" validate:"omitempty,hostname_port"`
	WebPath           string   `yaml:"web_path" validate:"startswith=/"`
	MaxEntries        int      `yaml:"max_entries" validate:"gte=1,lte=1048576"`
	AddressParsing    string   `yaml:"address_parsing" validate:"oneof=strict lenient"`
	InboundQueue      uint16   `yaml:"inbound_queue"`
	OutboundQueue     uint16   `yaml:"outbound_queue"`
	QueueDisabled     bool     `yaml:"queue_disabled"`
	DropWindow        int64    `yaml:"drop_window" validate:"gte=1,lte=86400"`
	DropLogRate       float64  `yaml:"drop_log_rate" validate:"gte=0"`
	GlobalSecret      string   `yaml:"global_secret"`
	Peers             []Peer   `yaml:"peers" validate:"dive"`
	InitialBlockList  []string `yaml:"initial_block_list"`
}

// DefaultConfig returns the settings used for any key the file leaves out.
func DefaultConfig() MainConfig {
	return MainConfig{
		NodeName:          "ipv4 hunter",
		LogPath:           "",
		LogLevel:          "info",
		ControlSocket:     "/run/ipv4_hunter/ip_filter.sock",
		ControlSocketMode: 0o660,
		ControlTimeout:    5,
		ManagementAddr:    "127.0.0.1:25556",
		WebPath:           "/hunter",
		MaxEntries:        65536,
		AddressParsing:    "strict",
		InboundQueue:      100,
		OutboundQueue:     0,
		DropWindow:        300,
		DropLogRate:       10,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadMainConfig reads <basePath>/config/hunter.yml on top of the defaults.
// An empty basePath means the directory of the executable. A missing file
// yields the validated defaults together with the read error.
func LoadMainConfig(basePath string) (*MainConfig, error) {
	defaultCfg := DefaultConfig()

	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "hunter.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return &defaultCfg, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg, err := ParseMainConfig(data)
	if err != nil {
		return &defaultCfg, fmt.Errorf("config %s: %w", configPath, err)
	}
	return cfg, nil
}

// ParseMainConfig decodes YAML over the defaults and validates the result.
func ParseMainConfig(data []byte) (*MainConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *MainConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if len(c.Peers) > 0 && len(c.GlobalSecret) < 32 {
		return fmt.Errorf("global_secret must be at least 32 characters when peers are configured")
	}
	if !c.QueueDisabled && c.OutboundQueue != 0 && c.OutboundQueue == c.InboundQueue {
		return fmt.Errorf("inbound_queue and outbound_queue must differ")
	}
	return nil
}

// IsKnownPeer reports whether name is a configured peer.
func (c *MainConfig) IsKnownPeer(name string) bool {
	for _, p := range c.Peers {
		if p.Name == name {
			return true
		}
	}
	return false
}
