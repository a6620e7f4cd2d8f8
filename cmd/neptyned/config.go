// Copyright 2025 Neptyne Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

// Config is the daemon's YAML configuration file.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`

	// LoggingConfig is a loggo specification, e.g.
	// "<root>=INFO;neptyne.tyne=DEBUG".
	LoggingConfig string `yaml:"logging-config"`

	// DBPath is the sqlite database file.
	DBPath string `yaml:"db-path"`

	// SaveDelay overrides the snapshot debounce; zero keeps the default.
	SaveDelay time.Duration `yaml:"save-delay"`

	// TickScanInterval overrides the tick scanner period.
	TickScanInterval time.Duration `yaml:"tick-scan-interval"`

	Shard  ShardConfig  `yaml:"shard"`
	Blob   BlobConfig   `yaml:"blob"`
	Kernel KernelConfig `yaml:"kernel"`

	// AuthTokens maps session tokens to user emails. The production
	// deployment syncs these from the identity frontend.
	AuthTokens map[string]string `yaml:"auth-tokens"`
}

// ShardConfig places this replica in the replica set.
type ShardConfig struct {
	Count int `yaml:"count"`

	// Index is this replica's shard; -1 derives it from the stateful
	// set ordinal in the hostname.
	Index int `yaml:"index"`

	HostPattern string `yaml:"host-pattern"`
}

// BlobConfig selects the snapshot store.
type BlobConfig struct {
	// Backend is "local" or "cloud".
	Backend string `yaml:"backend"`

	// Dir backs the local store.
	Dir string `yaml:"dir"`

	// BaseURL and Token configure the cloud gateway.
	BaseURL string `yaml:"base-url"`
	Token   string `yaml:"token"`
}

// KernelConfig selects how kernels are provisioned.
type KernelConfig struct {
	// Provisioner is "pool" for the Kubernetes warm pod pool, or
	// "remote" for a fixed kernel gateway host.
	Provisioner string `yaml:"provisioner"`

	Namespace  string `yaml:"namespace"`
	Image      string `yaml:"image"`
	VersionTag string `yaml:"version-tag"`
	PoolSize   int    `yaml:"pool-size"`

	// Port is the kernel websocket port on pods and gateways.
	Port int `yaml:"port"`

	// RemoteHost backs the remote provisioner.
	RemoteHost string `yaml:"remote-host"`
}

func defaultConfig() Config {
	return Config{
		Listen:        ":8877",
		LoggingConfig: "<root>=INFO",
		DBPath:        "/var/lib/neptyne/neptyne.db",
		Shard:         ShardConfig{Count: 1, Index: -1},
		Blob:          BlobConfig{Backend: "local", Dir: "/var/lib/neptyne/blobs"},
		Kernel:        KernelConfig{Provisioner: "remote", RemoteHost: "localhost"},
	}
}

func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Annotatef(err, "parsing config %s", path)
	}
	if err := config.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return config, nil
}

// Validate returns an error for an unusable configuration.
func (config Config) Validate() error {
	if config.Listen == "" {
		return errors.NotValidf("empty listen address")
	}
	if config.DBPath == "" {
		return errors.NotValidf("empty db-path")
	}
	if config.Shard.Count < 1 {
		return errors.NotValidf("shard count %d", config.Shard.Count)
	}
	switch config.Blob.Backend {
	case "local":
		if config.Blob.Dir == "" {
			return errors.NotValidf("local blob backend with empty dir")
		}
	case "cloud":
		if config.Blob.BaseURL == "" {
			return errors.NotValidf("cloud blob backend with empty base-url")
		}
		if config.Blob.Token == "" {
			return errors.NotValidf("cloud blob backend with empty token")
		}
	default:
		return errors.NotValidf("blob backend %q", config.Blob.Backend)
	}
	switch config.Kernel.Provisioner {
	case "pool":
		if config.Kernel.Namespace == "" {
			return errors.NotValidf("pool provisioner with empty namespace")
		}
		if config.Kernel.Image == "" {
			return errors.NotValidf("pool provisioner with empty image")
		}
	case "remote":
		if config.Kernel.RemoteHost == "" {
			return errors.NotValidf("remote provisioner with empty remote-host")
		}
	default:
		return errors.NotValidf("kernel provisioner %q", config.Kernel.Provisioner)
	}
	return nil
}

// shardIndex resolves the replica's shard, falling back to the stateful
// set ordinal at the end of the hostname ("neptyne-server-2").
func (config Config) shardIndex() (int, error) {
	if config.Shard.Index >= 0 {
		return config.Shard.Index, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return 0, errors.Trace(err)
	}
	i := strings.LastIndex(hostname, "-")
	if i < 0 {
		return 0, errors.NotValidf("hostname %q carries no shard ordinal", hostname)
	}
	n, err := strconv.Atoi(hostname[i+1:])
	if err != nil {
		return 0, errors.NotValidf("hostname %q carries no shard ordinal", hostname)
	}
	return n, nil
}
