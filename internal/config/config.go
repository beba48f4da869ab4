// Package config provides configuration management for the Stratomesh control plane.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
	Node       NodeConfig       `mapstructure:"node"`
	Relay      RelayConfig      `mapstructure:"relay"`
	DHT        DHTConfig        `mapstructure:"dht"`
	Images     ImageConfig      `mapstructure:"images"`
	Access     AccessConfig     `mapstructure:"access"`
	System     SystemConfig     `mapstructure:"system"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Seed       SeedConfig       `mapstructure:"seed"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the document-store configuration. Driver selects the
// backing implementation; SyncInterval is the cadence of the periodic flush
// that reconciles the in-memory state back to the document store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, memory
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration for leader election.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// RedisConfig holds Redis configuration for event fan-out and rate limiting.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JWTConfig holds node-credential minting configuration.
type JWTConfig struct {
	Secret      string        `mapstructure:"secret"`
	Issuer      string        `mapstructure:"issuer"`
	Audience    string        `mapstructure:"audience"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// TierRequirement configures one quality tier. MinimumBenchmark divided by
// the baseline gives the required points per vCPU; the overcommit ratios
// multiply raw capacity before scheduling math.
type TierRequirement struct {
	MinimumBenchmark       float64 `mapstructure:"minimum_benchmark" json:"minimumBenchmark"`
	CPUOvercommitRatio     float64 `mapstructure:"cpu_overcommit_ratio" json:"cpuOvercommitRatio"`
	MemoryOvercommitRatio  float64 `mapstructure:"memory_overcommit_ratio" json:"memoryOvercommitRatio"`
	StorageOvercommitRatio float64 `mapstructure:"storage_overcommit_ratio" json:"storageOvercommitRatio"`
	PriceMultiplier        float64 `mapstructure:"price_multiplier" json:"priceMultiplier"`
	Description            string  `mapstructure:"description" json:"description,omitempty"`
}

// ScoringWeights combine the scheduler's four score dimensions. They must
// sum to 1.
type ScoringWeights struct {
	Capacity   float64 `mapstructure:"capacity" json:"capacity"`
	Load       float64 `mapstructure:"load" json:"load"`
	Reputation float64 `mapstructure:"reputation" json:"reputation"`
	Locality   float64 `mapstructure:"locality" json:"locality"`
}

// Sum returns the total weight mass.
func (w ScoringWeights) Sum() float64 {
	return w.Capacity + w.Load + w.Reputation + w.Locality
}

// SchedulingConfig is the system-wide placement policy. Version is derived
// from the content at load time and recorded on every node whose evaluation
// used it.
type SchedulingConfig struct {
	BaselineBenchmark        float64                    `mapstructure:"baseline_benchmark" json:"baselineBenchmark"`
	MaxPerformanceMultiplier float64                    `mapstructure:"max_performance_multiplier" json:"maxPerformanceMultiplier"`
	TierRequirements         map[string]TierRequirement `mapstructure:"tier_requirements" json:"tierRequirements"`
	MaxUtilizationPercent    float64                    `mapstructure:"max_utilization_percent" json:"maxUtilizationPercent"`
	MaxLoadAverage           float64                    `mapstructure:"max_load_average" json:"maxLoadAverage"`
	MinFreeMemoryMB          int64                      `mapstructure:"min_free_memory_mb" json:"minFreeMemoryMb"`
	Weights                  ScoringWeights             `mapstructure:"weights" json:"weights"`

	Version string `mapstructure:"-" json:"version"`
}

// TierFor looks up a tier entry by its canonical name (case-insensitive).
func (s SchedulingConfig) TierFor(tier string) (TierRequirement, bool) {
	req, ok := s.TierRequirements[strings.ToLower(tier)]
	return req, ok
}

// RequiredPointsPerVCPU is MinimumBenchmark normalized by the baseline.
func (s SchedulingConfig) RequiredPointsPerVCPU(req TierRequirement) float64 {
	if s.BaselineBenchmark <= 0 {
		return math.Inf(1)
	}
	return req.MinimumBenchmark / s.BaselineBenchmark
}

// CPUOvercommitBaseline is the largest configured CPU overcommit ratio.
// Tier compute capacity is normalized by it so that no tier's capacity
// exceeds the node's raw compute points.
func (s SchedulingConfig) CPUOvercommitBaseline() float64 {
	max := 1.0
	for _, req := range s.TierRequirements {
		if req.CPUOvercommitRatio > max {
			max = req.CPUOvercommitRatio
		}
	}
	return max
}

// TiersByStrictness returns tier names in descending MinimumBenchmark order,
// ties broken by name for determinism.
func (s SchedulingConfig) TiersByStrictness() []string {
	names := make([]string, 0, len(s.TierRequirements))
	for name := range s.TierRequirements {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := s.TierRequirements[names[i]], s.TierRequirements[names[j]]
		if a.MinimumBenchmark != b.MinimumBenchmark {
			return a.MinimumBenchmark > b.MinimumBenchmark
		}
		return names[i] < names[j]
	})
	return names
}

// ComputeVersion derives the content hash recorded on evaluated nodes.
func (s *SchedulingConfig) ComputeVersion() {
	data, err := json.Marshal(struct {
		Baseline float64
		Max      float64
		Tiers    map[string]TierRequirement
		MaxUtil  float64
		MaxLoad  float64
		MinMem   int64
		Weights  ScoringWeights
	}{s.BaselineBenchmark, s.MaxPerformanceMultiplier, s.TierRequirements,
		s.MaxUtilizationPercent, s.MaxLoadAverage, s.MinFreeMemoryMB, s.Weights})
	if err != nil {
		s.Version = "unversioned"
		return
	}
	sum := sha256.Sum256(data)
	s.Version = hex.EncodeToString(sum[:6])
}

// Validate rejects scheduling configurations that would make placement math
// meaningless.
func (s SchedulingConfig) Validate() error {
	if s.BaselineBenchmark <= 0 {
		return fmt.Errorf("scheduling.baseline_benchmark must be positive, got %v", s.BaselineBenchmark)
	}
	if s.MaxPerformanceMultiplier < 1 {
		return fmt.Errorf("scheduling.max_performance_multiplier must be >= 1, got %v", s.MaxPerformanceMultiplier)
	}
	if len(s.TierRequirements) == 0 {
		return fmt.Errorf("scheduling.tier_requirements must define at least one tier")
	}
	for name, req := range s.TierRequirements {
		if req.MinimumBenchmark <= 0 {
			return fmt.Errorf("tier %q minimum_benchmark must be positive", name)
		}
		if req.CPUOvercommitRatio <= 0 {
			return fmt.Errorf("tier %q cpu_overcommit_ratio must be positive", name)
		}
		// Memory and storage reservations are charged at spec size, so ratios
		// above 1 would let reserved exceed physical capacity.
		if req.MemoryOvercommitRatio <= 0 || req.MemoryOvercommitRatio > 1 {
			return fmt.Errorf("tier %q memory_overcommit_ratio must be in (0, 1], got %v", name, req.MemoryOvercommitRatio)
		}
		if req.StorageOvercommitRatio <= 0 || req.StorageOvercommitRatio > 1 {
			return fmt.Errorf("tier %q storage_overcommit_ratio must be in (0, 1], got %v", name, req.StorageOvercommitRatio)
		}
	}
	if diff := math.Abs(s.Weights.Sum() - 1.0); diff > 1e-6 {
		return fmt.Errorf("scheduling.weights must sum to 1, got %v", s.Weights.Sum())
	}
	return nil
}

// NodeConfig tunes heartbeat handling and the health watchdog.
type NodeConfig struct {
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatGrace        time.Duration `mapstructure:"heartbeat_grace"`
	OfflineThreshold      time.Duration `mapstructure:"offline_threshold"`
	WatchdogInterval      time.Duration `mapstructure:"watchdog_interval"`
	CommandExpiry         time.Duration `mapstructure:"command_expiry"`
	CommandSweepInterval  time.Duration `mapstructure:"command_sweep_interval"`
	DriftTolerancePercent float64       `mapstructure:"drift_tolerance_percent"`
}

// RelayConfig tunes relay-gateway coordination.
type RelayConfig struct {
	SubnetPrefix       string `mapstructure:"subnet_prefix"` // first two octets of tunnel space
	MaxSubnets         int    `mapstructure:"max_subnets"`
	MaxClientsPerRelay int    `mapstructure:"max_clients_per_relay"`
	WireguardPort      int    `mapstructure:"wireguard_port"`
	PeerKeepalive      int    `mapstructure:"peer_keepalive"`
}

// DHTConfig configures the bootstrap peers handed to registering nodes.
type DHTConfig struct {
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	Port           int      `mapstructure:"port"`
}

// ImageConfig maps image ids to their download URLs.
type ImageConfig struct {
	Catalog        map[string]string `mapstructure:"catalog"`
	DefaultImageID string            `mapstructure:"default_image_id"`
}

// URLFor resolves an image id, falling back to the default image.
func (c ImageConfig) URLFor(imageID string) (string, bool) {
	if url, ok := c.Catalog[imageID]; ok {
		return url, true
	}
	if url, ok := c.Catalog[c.DefaultImageID]; ok && imageID == "" {
		return url, true
	}
	return "", false
}

// AccessConfig tunes direct-access port allocation.
type AccessConfig struct {
	AckPollInterval time.Duration `mapstructure:"ack_poll_interval"`
	AckPollAttempts int           `mapstructure:"ack_poll_attempts"`
}

// SystemVMSpec is the shape of one platform workload's VM.
type SystemVMSpec struct {
	CPUCores int    `mapstructure:"cpu_cores"`
	MemoryMB int64  `mapstructure:"memory_mb"`
	DiskGB   int64  `mapstructure:"disk_gb"`
	ImageID  string `mapstructure:"image_id"`
}

// SystemConfig tunes the system-VM obligation reconciler.
type SystemConfig struct {
	ReconcileInterval time.Duration           `mapstructure:"reconcile_interval"`
	VMSpecs           map[string]SystemVMSpec `mapstructure:"vm_specs"`
}

// SpecFor looks up the VM shape for a system role, case-insensitively: viper
// lowercases map keys.
func (c SystemConfig) SpecFor(role string) (SystemVMSpec, bool) {
	spec, ok := c.VMSpecs[strings.ToLower(role)]
	return spec, ok
}

// RateLimitConfig throttles node registration per wallet (Redis-backed).
type RateLimitConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	RegistrationsPerHour int  `mapstructure:"registrations_per_hour"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// SeedConfig enables demo data when running against the memory driver.
type SeedConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stratomesh")
	}

	// Environment variables
	v.SetEnvPrefix("STRATOMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Scheduling.Validate(); err != nil {
		return nil, err
	}
	cfg.Scheduling.ComputeVersion()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database / document store
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "stratomesh")
	v.SetDefault("database.user", "stratomesh")
	v.SetDefault("database.password", "stratomesh")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.sync_interval", "60s")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// JWT node credentials
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.issuer", "stratomesh-orchestrator")
	v.SetDefault("jwt.audience", "stratomesh-node")
	v.SetDefault("jwt.token_expiry", "8760h")

	// Scheduling policy
	v.SetDefault("scheduling.baseline_benchmark", 1000.0)
	v.SetDefault("scheduling.max_performance_multiplier", 4.0)
	v.SetDefault("scheduling.max_utilization_percent", 90.0)
	v.SetDefault("scheduling.max_load_average", 20.0)
	v.SetDefault("scheduling.min_free_memory_mb", 1024)
	v.SetDefault("scheduling.weights.capacity", 0.4)
	v.SetDefault("scheduling.weights.load", 0.2)
	v.SetDefault("scheduling.weights.reputation", 0.2)
	v.SetDefault("scheduling.weights.locality", 0.2)
	v.SetDefault("scheduling.tier_requirements.guaranteed.minimum_benchmark", 1000.0)
	v.SetDefault("scheduling.tier_requirements.guaranteed.cpu_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.guaranteed.memory_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.guaranteed.storage_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.guaranteed.price_multiplier", 2.0)
	v.SetDefault("scheduling.tier_requirements.guaranteed.description", "dedicated cores, no overcommit")
	v.SetDefault("scheduling.tier_requirements.standard.minimum_benchmark", 750.0)
	v.SetDefault("scheduling.tier_requirements.standard.cpu_overcommit_ratio", 2.0)
	v.SetDefault("scheduling.tier_requirements.standard.memory_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.standard.storage_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.standard.price_multiplier", 1.5)
	v.SetDefault("scheduling.tier_requirements.standard.description", "general purpose")
	v.SetDefault("scheduling.tier_requirements.balanced.minimum_benchmark", 500.0)
	v.SetDefault("scheduling.tier_requirements.balanced.cpu_overcommit_ratio", 3.0)
	v.SetDefault("scheduling.tier_requirements.balanced.memory_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.balanced.storage_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.balanced.price_multiplier", 1.0)
	v.SetDefault("scheduling.tier_requirements.balanced.description", "cost-effective shared cores")
	v.SetDefault("scheduling.tier_requirements.burstable.minimum_benchmark", 250.0)
	v.SetDefault("scheduling.tier_requirements.burstable.cpu_overcommit_ratio", 4.0)
	v.SetDefault("scheduling.tier_requirements.burstable.memory_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.burstable.storage_overcommit_ratio", 1.0)
	v.SetDefault("scheduling.tier_requirements.burstable.price_multiplier", 0.5)
	v.SetDefault("scheduling.tier_requirements.burstable.description", "best effort")

	// Node lifecycle
	v.SetDefault("node.heartbeat_interval", "15s")
	v.SetDefault("node.heartbeat_grace", "5s")
	v.SetDefault("node.offline_threshold", "2m")
	v.SetDefault("node.watchdog_interval", "30s")
	v.SetDefault("node.command_expiry", "15m")
	v.SetDefault("node.command_sweep_interval", "5m")
	v.SetDefault("node.drift_tolerance_percent", 5.0)

	// Relay coordination
	v.SetDefault("relay.subnet_prefix", "10.8")
	v.SetDefault("relay.max_subnets", 250)
	v.SetDefault("relay.max_clients_per_relay", 200)
	v.SetDefault("relay.wireguard_port", 51820)
	v.SetDefault("relay.peer_keepalive", 25)

	// DHT bootstrap
	v.SetDefault("dht.bootstrap_peers", []string{})
	v.SetDefault("dht.port", 4001)

	// Image catalog
	v.SetDefault("images.default_image_id", "ubuntu-24.04")
	v.SetDefault("images.catalog", map[string]string{
		"ubuntu-24.04": "https://images.stratomesh.io/ubuntu-24.04-server-cloudimg-amd64.img",
		"ubuntu-22.04": "https://images.stratomesh.io/ubuntu-22.04-server-cloudimg-amd64.img",
		"debian-12":    "https://images.stratomesh.io/debian-12-generic-amd64.qcow2",
	})

	// Direct access
	v.SetDefault("access.ack_poll_interval", "500ms")
	v.SetDefault("access.ack_poll_attempts", 60)

	// System-VM obligations
	v.SetDefault("system.reconcile_interval", "1m")
	v.SetDefault("system.vm_specs.dht.cpu_cores", 1)
	v.SetDefault("system.vm_specs.dht.memory_mb", 1024)
	v.SetDefault("system.vm_specs.dht.disk_gb", 10)
	v.SetDefault("system.vm_specs.relay.cpu_cores", 1)
	v.SetDefault("system.vm_specs.relay.memory_mb", 512)
	v.SetDefault("system.vm_specs.relay.disk_gb", 5)
	v.SetDefault("system.vm_specs.blockstore.cpu_cores", 2)
	v.SetDefault("system.vm_specs.blockstore.memory_mb", 2048)
	v.SetDefault("system.vm_specs.blockstore.disk_gb", 100)
	v.SetDefault("system.vm_specs.ingress.cpu_cores", 1)
	v.SetDefault("system.vm_specs.ingress.memory_mb", 1024)
	v.SetDefault("system.vm_specs.ingress.disk_gb", 10)

	// Rate limiting
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.registrations_per_hour", 12)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)

	// Seed data
	v.SetDefault("seed.enabled", false)
}
