package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// maxSnapLen the largest snap length tcpdump accepts
const maxSnapLen = 262144

// Config holds the capture command configuration. Command line flags
// override what is loaded from the file.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Capture  CaptureConfig `yaml:"capture"`
	Output   OutputConfig  `yaml:"output"`
}

// CaptureConfig what to capture, and how
type CaptureConfig struct {
	Interface   string        `yaml:"interface"`   // empty captures on all interfaces (Linux only)
	Filter      string        `yaml:"filter"`      // tcpdump style expression
	DumpFile    string        `yaml:"dump_file"`   // file holding "tcpdump -dd" output, instead of filter
	LinkType    string        `yaml:"link_type"`   // expected framing: ethernet, raw, null, loop
	SnapLen     int           `yaml:"snaplen"`     // packet snapshot length (default: 65535)
	Promiscuous bool          `yaml:"promiscuous"` // put the interface in promiscuous mode
	Count       int           `yaml:"count"`       // stop after this many packets, 0 for no limit
	Timeout     time.Duration `yaml:"timeout"`     // stop after this long, 0 for no limit
}

// OutputConfig where captured packets go
type OutputConfig struct {
	PcapFile string `yaml:"pcap_file"` // write packets to this PCAP file
	Quiet    bool   `yaml:"quiet"`     // do not print packet summaries
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			SnapLen:     65535,
			Promiscuous: true,
		},
	}
}

// Load reads a YAML configuration file from path and returns a Config.
// Values not specified in the file retain their defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Capture.SnapLen <= 0 || c.Capture.SnapLen > maxSnapLen {
		errs = append(errs, fmt.Errorf("capture.snaplen: must be between 1 and %d, got %d", maxSnapLen, c.Capture.SnapLen))
	}
	if c.Capture.Count < 0 {
		errs = append(errs, fmt.Errorf("capture.count: must not be negative, got %d", c.Capture.Count))
	}
	if c.Capture.Timeout < 0 {
		errs = append(errs, fmt.Errorf("capture.timeout: must not be negative, got %s", c.Capture.Timeout))
	}
	if c.Capture.Filter != "" && c.Capture.DumpFile != "" {
		errs = append(errs, errors.New("capture.filter and capture.dump_file are mutually exclusive"))
	}
	if _, _, err := ParseLinkType(c.Capture.LinkType); err != nil {
		errs = append(errs, fmt.Errorf("capture.link_type: %w", err))
	}
	return errors.Join(errs...)
}

// ParseLinkType map a link type name to its pcap value. ok is false for an
// empty name, meaning no expectation.
func ParseLinkType(name string) (linkType layers.LinkType, ok bool, err error) {
	switch strings.ToLower(name) {
	case "":
		return 0, false, nil
	case "ethernet", "en10mb":
		return layers.LinkTypeEthernet, true, nil
	case "raw":
		return layers.LinkTypeRaw, true, nil
	case "null":
		return layers.LinkTypeNull, true, nil
	case "loop":
		return layers.LinkTypeLoop, true, nil
	}
	return 0, false, fmt.Errorf("unknown link type %q", name)
}
