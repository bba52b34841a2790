package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the cluster configuration: the ordered list of host instances
// one process runs.
type Config struct {
	Hosts []HostConfig `yaml:"hosts"`
}

// HostConfig describes one host instance.
type HostConfig struct {
	// Name is the hostname part of the host identifier.
	Name string `yaml:"name"`
	// Port is the listen port; 0 lets the kernel pick one (tests rely on
	// this). The host identifier is derived from the port actually bound.
	Port int `yaml:"port"`
	// StorageDSN selects the storage backend by scheme: memory://,
	// redis://, or postgres://.
	StorageDSN string `yaml:"storage_dsn"`
	// KeyDir is where the host's signing keys are persisted. Defaults to
	// <key root>/<name>.
	KeyDir string `yaml:"key_dir"`
}

// Env is the process environment knobs layered over the YAML file.
type Env struct {
	// ConfigPath locates the cluster YAML when the flag is absent.
	ConfigPath string `env:"GLYPHNET_CONFIG,default=glyphnet.yaml"`
	// KeyRoot is the directory under which hosts without an explicit
	// key_dir keep their keys.
	KeyRoot string `env:"GLYPHNET_KEY_ROOT,default=./keys"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"GLYPHNET_LOG_LEVEL,default=info"`
}

// LoadEnv decodes the process environment.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envdecode.StrictDecode(&env); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &env, nil
}

// Load reads and validates a cluster configuration file, filling per-host
// defaults from env.
func Load(path string, env *Env) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for i := range cfg.Hosts {
		hc := &cfg.Hosts[i]
		if hc.StorageDSN == "" {
			hc.StorageDSN = "memory://"
		}
		if hc.KeyDir == "" && hc.Name != "" {
			hc.KeyDir = filepath.Join(env.KeyRoot, hc.Name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make instances collide: a
// shared port cannot be bound twice, and a shared non-memory DSN would let
// two hosts read each other's records.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("config: at least one host is required")
	}
	names := make(map[string]struct{}, len(c.Hosts))
	ports := make(map[int]string, len(c.Hosts))
	dsns := make(map[string]string, len(c.Hosts))
	keyDirs := make(map[string]string, len(c.Hosts))
	for i, hc := range c.Hosts {
		if hc.Name == "" {
			return fmt.Errorf("config: host %d has no name", i)
		}
		if _, dup := names[hc.Name]; dup {
			return fmt.Errorf("config: duplicate host name %q", hc.Name)
		}
		names[hc.Name] = struct{}{}

		if hc.Port < 0 || hc.Port > 65535 {
			return fmt.Errorf("config: host %q: invalid port %d", hc.Name, hc.Port)
		}
		if hc.Port != 0 {
			if other, dup := ports[hc.Port]; dup {
				return fmt.Errorf("config: hosts %q and %q share port %d", other, hc.Name, hc.Port)
			}
			ports[hc.Port] = hc.Name
		}

		if !isMemoryDSN(hc.StorageDSN) {
			if other, dup := dsns[hc.StorageDSN]; dup {
				return fmt.Errorf("config: hosts %q and %q share storage DSN %q", other, hc.Name, hc.StorageDSN)
			}
			dsns[hc.StorageDSN] = hc.Name
		}

		if hc.KeyDir == "" {
			return fmt.Errorf("config: host %q has no key directory", hc.Name)
		}
		if other, dup := keyDirs[hc.KeyDir]; dup {
			return fmt.Errorf("config: hosts %q and %q share key directory %q", other, hc.Name, hc.KeyDir)
		}
		keyDirs[hc.KeyDir] = hc.Name
	}
	return nil
}

func isMemoryDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "memory:")
}
