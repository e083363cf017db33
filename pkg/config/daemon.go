package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the ipfd configuration file.
type DaemonConfig struct {
	RulesFile string `yaml:"rules_file"`
	NATFile   string `yaml:"nat_file"`

	// DefaultPolicy is pass or block, applied when no rule matches.
	DefaultPolicy string `yaml:"default_policy"`
	// LogPolicy lists the verdicts logged without a log keyword: pass,
	// block, nomatch.
	LogPolicy []string `yaml:"log_policy"`

	State  StateConfig  `yaml:"state"`
	Frag   FragConfig   `yaml:"frag"`
	NAT    NATConfig    `yaml:"nat"`
	Sweep  Duration     `yaml:"sweep_interval"`
	Queues QueueConfig  `yaml:"queues"`
	Log    LogConfig    `yaml:"log"`
	Listen ListenConfig `yaml:"listen"`

	FlowExport FlowExportConfig `yaml:"flow_export"`

	// HistoryDepth is the number of committed rule sets kept for rollback.
	HistoryDepth int `yaml:"history_depth"`
}

type StateConfig struct {
	Buckets  int `yaml:"buckets"`
	Max      int `yaml:"max"`
	UDPAge   int `yaml:"udp_age"`
	ICMPAge  int `yaml:"icmp_age"`
	CloseAge int `yaml:"tcp_close_age"`
}

type FragConfig struct {
	Max int `yaml:"max"`
	Age int `yaml:"age"`
}

type NATConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	Age         int `yaml:"age"`
	// UDPChecksum is adjust or zero.
	UDPChecksum string `yaml:"udp_checksum"`
}

// QueueConfig names the netfilter queues carrying inbound and outbound
// packets to the daemon.
type QueueConfig struct {
	In  uint16 `yaml:"in"`
	Out uint16 `yaml:"out"`
	// InstallHooks makes ipfd create the nftables chains feeding the
	// queues instead of relying on externally managed rules.
	InstallHooks bool `yaml:"install_hooks"`
}

type LogConfig struct {
	Syslog []SyslogTarget `yaml:"syslog"`
	File   string         `yaml:"file"`
	// MaxSize is the rotation threshold in bytes.
	MaxSize   int64 `yaml:"max_size"`
	MaxFiles  int   `yaml:"max_files"`
	BufferLen int   `yaml:"buffer"`
	// FileTypes limits the file to these record types (FILTER,
	// STATE_ADD, STATE_EXPIRE, NAT_MAP, NAT_EXPIRE).
	FileTypes []string `yaml:"file_types"`
}

type SyslogTarget struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Facility string `yaml:"facility"`
}

// FlowExportConfig sends expired state entries to NetFlow v9 collectors.
type FlowExportConfig struct {
	Collectors      []string `yaml:"collectors"` // host:port
	TemplateRefresh Duration `yaml:"template_refresh"`
}

type ListenConfig struct {
	HTTP string `yaml:"http"`
	GRPC string `yaml:"grpc"`
	// HTTPS serves the API with a self-signed certificate when TLS is set.
	HTTPS string     `yaml:"https"`
	TLS   bool       `yaml:"tls"`
	Auth  AuthConfig `yaml:"auth"`
}

// AuthConfig protects the HTTP API. Empty disables authentication.
type AuthConfig struct {
	Users   map[string]string `yaml:"users"` // username -> password
	APIKeys []string          `yaml:"api_keys"`
}

// Duration is a time.Duration read from strings such as "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultDaemonConfig returns the configuration used when no file is given.
func DefaultDaemonConfig() *DaemonConfig {
	c := &DaemonConfig{}
	c.applyDefaults()
	return c
}

func (c *DaemonConfig) applyDefaults() {
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = "pass"
	}
	if c.Sweep == 0 {
		c.Sweep = Duration(500 * time.Millisecond)
	}
	if c.NAT.UDPChecksum == "" {
		c.NAT.UDPChecksum = "adjust"
	}
	if c.Queues.In == 0 && c.Queues.Out == 0 {
		c.Queues.Out = 1
	}
	if c.Listen.HTTP == "" {
		c.Listen.HTTP = "127.0.0.1:8080"
	}
	if c.Listen.GRPC == "" {
		c.Listen.GRPC = "127.0.0.1:50051"
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = 10
	}
	if c.Log.BufferLen <= 0 {
		c.Log.BufferLen = 1000
	}
	for i := range c.Log.Syslog {
		if c.Log.Syslog[i].Port == 0 {
			c.Log.Syslog[i].Port = 514
		}
		if c.Log.Syslog[i].Facility == "" {
			c.Log.Syslog[i].Facility = "local0"
		}
	}
}

// Validate checks the enumerated fields.
func (c *DaemonConfig) Validate() error {
	switch c.DefaultPolicy {
	case "pass", "block":
	default:
		return fmt.Errorf("default_policy: want pass or block, got %q", c.DefaultPolicy)
	}
	for _, p := range c.LogPolicy {
		switch p {
		case "pass", "block", "nomatch":
		default:
			return fmt.Errorf("log_policy: unknown verdict %q", p)
		}
	}
	switch c.NAT.UDPChecksum {
	case "adjust", "zero":
	default:
		return fmt.Errorf("nat.udp_checksum: want adjust or zero, got %q", c.NAT.UDPChecksum)
	}
	if c.Queues.In == c.Queues.Out {
		return fmt.Errorf("queues: inbound and outbound share queue %d", c.Queues.In)
	}
	return nil
}

// ParseDaemonConfig decodes YAML, rejecting unknown keys, and fills in
// defaults.
func ParseDaemonConfig(data []byte) (*DaemonConfig, error) {
	c := &DaemonConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDaemonConfig reads the configuration file at path.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseDaemonConfig(data)
}
