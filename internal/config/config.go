// Package config loads the node configuration and the
// protocol settings from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct { // A
	Node     Node     `yaml:"node"`
	Settings Settings `yaml:"settings"`
}

// Node holds per-process options that do not affect the
// protocol.
type Node struct { // A
	Name          string `yaml:"name"`
	Mode          string `yaml:"mode"`
	DataDir       string `yaml:"dataDir"`
	ListenAddr    string `yaml:"listenAddr"`
	AdvertiseAddr string `yaml:"advertiseAddr"`
	MetricsAddr   string `yaml:"metricsAddr"`
	LogLevel      string `yaml:"logLevel"`
	MinimumFreeMB uint64 `yaml:"minimumFreeMB"`
	KeyBits       int    `yaml:"keyBits"`
}

// Settings are the protocol parameters. They are read once
// and never change while a node runs.
type Settings struct { // A
	MaxConnections    int           `yaml:"maxConnections"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	PostTTL           time.Duration `yaml:"postTTL"`
	Intervals         Intervals     `yaml:"intervals"`
	PeerCloud         PeerCloud     `yaml:"peerCloud"`
}

type Intervals struct { // A
	QueryPosts         time.Duration `yaml:"queryPosts"`
	QueryIdents        time.Duration `yaml:"queryIdents"`
	RefreshConnections time.Duration `yaml:"refreshConnections"`
	PruneCache         time.Duration `yaml:"pruneCache"`
	SavePosts          time.Duration `yaml:"savePosts"`
}

// PeerCloud locates the directory service.
type PeerCloud struct { // A
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
}

// BaseURL renders {protocol}://{host}:{port}/{path}.
func (p PeerCloud) BaseURL() string { // A
	u := url.URL{
		Scheme: p.Protocol,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + strings.Trim(p.Path, "/"),
	}
	return strings.TrimSuffix(u.String(), "/")
}

// Default returns the built-in configuration.
func Default() Config { // A
	return Config{
		Node: Node{
			Name:       "anonymous",
			Mode:       "guest",
			DataDir:    "data",
			ListenAddr: "0.0.0.0:4242",
			LogLevel:   "info",
		},
		Settings: Settings{
			MaxConnections:    10,
			ConnectionTimeout: 10 * time.Second,
			PostTTL:           time.Hour,
			Intervals: Intervals{
				QueryPosts:         5 * time.Second,
				QueryIdents:        5 * time.Second,
				RefreshConnections: 10 * time.Second,
				PruneCache:         time.Minute,
				SavePosts:          30 * time.Second,
			},
			PeerCloud: PeerCloud{
				Protocol: "http",
				Host:     "localhost",
				Port:     9000,
				Path:     "",
			},
		},
	}
}

// Load reads path over the defaults. An empty path yields
// the defaults.
func Load(path string) (Config, error) { // A
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the
// result.
func Parse(data []byte) (Config, error) { // A
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error { // A
	s := c.Settings
	var problems []string
	if s.MaxConnections <= 0 {
		problems = append(problems, "maxConnections must be positive")
	}
	if s.ConnectionTimeout <= 0 {
		problems = append(problems, "connectionTimeout must be positive")
	}
	if s.PostTTL <= 0 {
		problems = append(problems, "postTTL must be positive")
	}
	if s.Intervals.RefreshConnections <= 0 {
		problems = append(problems, "intervals.refreshConnections must be positive")
	}
	if s.PeerCloud.Host == "" || s.PeerCloud.Port <= 0 {
		problems = append(problems, "peerCloud needs host and port")
	}
	if c.Node.Name == "" {
		problems = append(problems, "node.name is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
