// Package config loads node and orchestrator settings from JSON or YAML
// files and MESHDEPLOY_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meshdeploy/pkg/discovery"
	"meshdeploy/pkg/knowledge"
	"meshdeploy/pkg/orchestrator"
	"meshdeploy/pkg/protocol"
	"meshdeploy/pkg/seal"
	"meshdeploy/pkg/types"
)

const envPrefix = "MESHDEPLOY_"

type Config struct {
	ListenAddress    string   `json:"listen_address" yaml:"listen_address"`
	KnowledgeAddress string   `json:"knowledge_address" yaml:"knowledge_address"`
	MetricsAddress   string   `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
	ArtifactDir      string   `json:"artifact_dir" yaml:"artifact_dir"`
	SharedKey        string   `json:"shared_key,omitempty" yaml:"shared_key,omitempty"`
	SharedSecret     string   `json:"shared_secret,omitempty" yaml:"shared_secret,omitempty"`
	ChunkSize        DataSize `json:"chunk_size" yaml:"chunk_size"`
	MaxArtifactSize  DataSize `json:"max_artifact_size,omitempty" yaml:"max_artifact_size,omitempty"`
	IOTimeout        Duration `json:"io_timeout" yaml:"io_timeout"`
	ConflictPolicy   string   `json:"conflict_policy" yaml:"conflict_policy"`

	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
}

type DiscoveryConfig struct {
	Base        string   `json:"base,omitempty" yaml:"base,omitempty"`
	Start       int      `json:"start" yaml:"start"`
	End         int      `json:"end" yaml:"end"`
	Port        int      `json:"port" yaml:"port"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	Concurrency int      `json:"concurrency" yaml:"concurrency"`
}

type RetryConfig struct {
	Attempts  int      `json:"attempts" yaml:"attempts"`
	BaseDelay Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  Duration `json:"max_delay" yaml:"max_delay"`
}

type BreakerConfig struct {
	Threshold uint32   `json:"threshold" yaml:"threshold"`
	Cooldown  Duration `json:"cooldown" yaml:"cooldown"`
}

// RegistryConfig names external peer-list sources. Peers are "host:port"
// entries; RedisAddr enables the Redis set provider.
type RegistryConfig struct {
	Peers     []string `json:"peers,omitempty" yaml:"peers,omitempty"`
	RedisAddr string   `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisKey  string   `json:"redis_key,omitempty" yaml:"redis_key,omitempty"`
}

// Default returns a config with every field set to its default.
func Default() *Config {
	return &Config{
		ListenAddress:    fmt.Sprintf(":%d", types.DefaultPort),
		KnowledgeAddress: fmt.Sprintf(":%d", types.DefaultPort+1),
		ArtifactDir:      "./artifacts",
		ChunkSize:        DataSize(protocol.DefaultChunkSize),
		IOTimeout:        Duration(30 * time.Second),
		ConflictPolicy:   knowledge.KeepLocal.String(),
		Discovery: DiscoveryConfig{
			Start:       2,
			End:         254,
			Port:        types.DefaultPort,
			Timeout:     Duration(discovery.DefaultProbeTimeout),
			Concurrency: discovery.DefaultConcurrency,
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: Duration(time.Second),
			MaxDelay:  Duration(time.Minute),
		},
		Breaker: BreakerConfig{
			Threshold: orchestrator.DefaultBreakerThreshold,
			Cooldown:  Duration(orchestrator.DefaultBreakerCooldown),
		},
	}
}

// GetConfigDir returns the directory holding the default config file.
func GetConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "meshdeploy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshdeploy"
	}
	return filepath.Join(home, ".meshdeploy")
}

// GetConfigPath returns MESHDEPLOY_CONFIG or the default config file path.
func GetConfigPath() string {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	return filepath.Join(GetConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadConfig reads path over the defaults. The format follows the file
// extension: .yaml/.yml is YAML, anything else JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, types.ConfigErrorf("failed to parse config %s: %v", path, err)
	}
	return cfg, nil
}

// Save writes the config in the format implied by path, creating the
// directory. The file is private because it may carry the shared key.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadFromEnv returns the defaults overlaid with the environment.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays MESHDEPLOY_* variables onto c.
func (c *Config) ApplyEnv() error {
	c.ListenAddress = getEnv(envPrefix+"LISTEN_ADDRESS", c.ListenAddress)
	c.KnowledgeAddress = getEnv(envPrefix+"KNOWLEDGE_ADDRESS", c.KnowledgeAddress)
	c.MetricsAddress = getEnv(envPrefix+"METRICS_ADDRESS", c.MetricsAddress)
	c.ArtifactDir = getEnv(envPrefix+"ARTIFACT_DIR", c.ArtifactDir)
	c.SharedKey = getEnv(envPrefix+"SHARED_KEY", c.SharedKey)
	c.SharedSecret = getEnv(envPrefix+"SHARED_SECRET", c.SharedSecret)
	c.ConflictPolicy = getEnv(envPrefix+"CONFLICT_POLICY", c.ConflictPolicy)
	c.Discovery.Base = getEnv(envPrefix+"DISCOVERY_BASE", c.Discovery.Base)
	c.Registry.RedisAddr = getEnv(envPrefix+"REDIS_ADDR", c.Registry.RedisAddr)
	c.Registry.RedisKey = getEnv(envPrefix+"REDIS_KEY", c.Registry.RedisKey)

	// Comma-separated peers: 10.0.0.5:8888,10.0.0.6
	if peers := os.Getenv(envPrefix + "PEERS"); peers != "" {
		c.Registry.Peers = nil
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Registry.Peers = append(c.Registry.Peers, p)
			}
		}
	}

	if v := os.Getenv(envPrefix + "CHUNK_SIZE"); v != "" {
		if err := c.ChunkSize.set(v); err != nil {
			return types.ConfigErrorf("%sCHUNK_SIZE: %v", envPrefix, err)
		}
	}
	for name, dst := range map[string]*int{
		"DISCOVERY_START": &c.Discovery.Start,
		"DISCOVERY_END":   &c.Discovery.End,
		"DISCOVERY_PORT":  &c.Discovery.Port,
		"RETRY_ATTEMPTS":  &c.Retry.Attempts,
	} {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.ConfigErrorf("%s%s: %v", envPrefix, name, err)
		}
		*dst = n
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate reports the first invalid setting as a configuration error.
func (c *Config) Validate() error {
	if _, err := listenPort(c.ListenAddress); err != nil {
		return types.ConfigErrorf("listen_address %q: %v", c.ListenAddress, err)
	}
	if c.KnowledgeAddress != "" {
		if _, err := listenPort(c.KnowledgeAddress); err != nil {
			return types.ConfigErrorf("knowledge_address %q: %v", c.KnowledgeAddress, err)
		}
	}
	if c.ArtifactDir == "" {
		return types.ConfigErrorf("artifact_dir is required")
	}
	if c.ChunkSize <= 0 || int(c.ChunkSize)+seal.Overhead > protocol.MaxFrame {
		return types.ConfigErrorf("chunk_size %d must be between 1 and %d", c.ChunkSize, protocol.MaxFrame-seal.Overhead)
	}
	if c.SharedKey != "" && c.SharedSecret != "" {
		return types.ConfigErrorf("set only one of shared_key and shared_secret")
	}
	if c.SharedKey != "" {
		if _, err := seal.DecodeKey(c.SharedKey); err != nil {
			return types.ConfigErrorf("shared_key: %v", err)
		}
	}
	if _, err := knowledge.ParseConflictPolicy(c.ConflictPolicy); err != nil {
		return types.ConfigErrorf("conflict_policy: %v", err)
	}
	if c.Discovery.Base != "" {
		if err := c.Range().Validate(); err != nil {
			return err
		}
	}
	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return types.ConfigErrorf("discovery port %d out of range", c.Discovery.Port)
	}
	if c.Discovery.Concurrency < 0 {
		return types.ConfigErrorf("discovery concurrency cannot be negative")
	}
	if c.Retry.Attempts < 1 {
		return types.ConfigErrorf("retry attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return types.ConfigErrorf("retry delays cannot be negative")
	}
	for _, p := range c.Registry.Peers {
		if _, err := types.ParsePeer(p); err != nil {
			return types.ConfigErrorf("registry peer: %v", err)
		}
	}
	return nil
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return n, nil
}

// ErrNoKey is returned by Key when neither shared_key nor shared_secret is set.
var ErrNoKey = errors.New("no shared_key or shared_secret configured")

// Key resolves the pre-shared channel key.
func (c *Config) Key() ([]byte, error) {
	switch {
	case c.SharedKey != "":
		key, err := seal.DecodeKey(c.SharedKey)
		if err != nil {
			return nil, types.ConfigErrorf("shared_key: %v", err)
		}
		return key, nil
	case c.SharedSecret != "":
		return seal.DeriveKey(c.SharedSecret)
	}
	return nil, &types.Error{Kind: types.ErrConfig, Err: ErrNoKey}
}

// Cipher builds the channel cipher from the configured key.
func (c *Config) Cipher() (*seal.Cipher, error) {
	key, err := c.Key()
	if err != nil {
		return nil, err
	}
	return seal.New(key)
}

func (c *Config) Range() discovery.Range {
	return discovery.Range{Base: c.Discovery.Base, Start: c.Discovery.Start, End: c.Discovery.End}
}

func (c *Config) Policy() knowledge.ConflictPolicy {
	p, _ := knowledge.ParseConflictPolicy(c.ConflictPolicy)
	return p
}

// Orchestrator maps the settings onto an orchestrator config.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Range:         c.Range(),
		Port:          c.Discovery.Port,
		ProbeTimeout:  c.Discovery.Timeout.Std(),
		HealthTimeout: c.Discovery.Timeout.Std(),
		Retry: orchestrator.RetryPolicy{
			Attempts:  c.Retry.Attempts,
			BaseDelay: c.Retry.BaseDelay.Std(),
			MaxDelay:  c.Retry.MaxDelay.Std(),
		},
		BreakerThreshold: c.Breaker.Threshold,
		BreakerCooldown:  c.Breaker.Cooldown.Std(),
	}
}
