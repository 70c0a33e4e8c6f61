package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Host       HostConfig       `yaml:"host"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ControllerConfig configures the background controller process: the origin
// scope it fronts, the payload it keeps alive, and the control-loop timing.
type ControllerConfig struct {
	Port   int    `yaml:"port"`
	Scope  string `yaml:"scope"`
	Origin string `yaml:"origin"`

	PayloadPath   string `yaml:"payloadPath"`
	DocumentPath  string `yaml:"documentPath"`
	WriteEndpoint string `yaml:"writeEndpoint"`

	DataDir string `yaml:"dataDir"`
	Bucket  string `yaml:"bucket"`

	CheckEvery string `yaml:"checkEvery"`
	IdleAfter  string `yaml:"idleAfter"`

	// SkipWaiting short-circuits the waiting state on activation, superseding
	// any older registration for the scope without waiting for observers to
	// detach.
	SkipWaiting bool `yaml:"skipWaiting"`

	// InsecureTLS accepts the demo host's self-signed certificate.
	InsecureTLS bool `yaml:"insecureTLS"`

	// compiled
	checkDur time.Duration
	idleDur  time.Duration
}

type HostConfig struct {
	Port        int    `yaml:"port"`
	Dir         string `yaml:"dir"`
	CertFile    string `yaml:"certFile"`
	KeyFile     string `yaml:"keyFile"`
	PayloadFile string `yaml:"payloadFile"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a config usable without a file, pointing the controller at
// a local demo host.
func Default() Config {
	var cfg Config
	_ = cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() error {
	c := &cfg.Controller
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Scope == "" {
		c.Scope = "/"
	}
	if c.Origin == "" {
		c.Origin = "https://127.0.0.1:8443"
	}
	c.Origin = strings.TrimRight(c.Origin, "/")
	if c.PayloadPath == "" {
		c.PayloadPath = "/static/malware.js"
	}
	if c.DocumentPath == "" {
		c.DocumentPath = "/"
	}
	if c.WriteEndpoint == "" {
		c.WriteEndpoint = "/write-file"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Bucket == "" {
		c.Bucket = "ironspider-cache"
	}
	if c.CheckEvery == "" {
		c.CheckEvery = "5s"
	}
	d, err := time.ParseDuration(c.CheckEvery)
	if err != nil {
		return fmt.Errorf("controller.checkEvery: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("controller.checkEvery: must be positive, got %s", d)
	}
	c.checkDur = d

	if c.IdleAfter == "" {
		// The host runtime suspends an idle controller after roughly thirty
		// probe periods without a qualifying event.
		c.idleDur = 30 * c.checkDur
	} else {
		d, err := time.ParseDuration(c.IdleAfter)
		if err != nil {
			return fmt.Errorf("controller.idleAfter: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("controller.idleAfter: must be positive, got %s", d)
		}
		c.idleDur = d
	}

	if !strings.HasPrefix(c.Scope, "/") {
		return fmt.Errorf("controller.scope: must start with /, got %q", c.Scope)
	}
	for _, p := range []struct{ name, val string }{
		{"controller.payloadPath", c.PayloadPath},
		{"controller.documentPath", c.DocumentPath},
		{"controller.writeEndpoint", c.WriteEndpoint},
	} {
		if !strings.HasPrefix(p.val, "/") {
			return fmt.Errorf("%s: must start with /, got %q", p.name, p.val)
		}
	}

	h := &cfg.Host
	if h.Port == 0 {
		h.Port = 8443
	}
	if h.Dir == "" {
		h.Dir = "./www"
	}
	if h.CertFile == "" {
		h.CertFile = "./certs/server.crt"
	}
	if h.KeyFile == "" {
		h.KeyFile = "./certs/server.key"
	}
	if h.PayloadFile == "" {
		h.PayloadFile = "static/malware.js"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return nil
}

func (c *ControllerConfig) CheckInterval() time.Duration { return c.checkDur }
func (c *ControllerConfig) IdleTimeout() time.Duration   { return c.idleDur }

// InScope reports whether a request path falls under the controller's
// registered scope prefix.
func (c *ControllerConfig) InScope(path string) bool {
	return strings.HasPrefix(path, c.Scope)
}
