package config

import (
	"errors"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MetadataDirName = "metadata"

	DefaultChunkSize         = 1_000_000
	DefaultReplicationFactor = 3
	DefaultPeerPort          = 50502
	DefaultDiscoveryPort     = 50503
	DefaultClientPort        = 50504
)

type Logging struct {
	Level string `yaml:"level"`
}

type Placement struct {
	ChunkSize         int64 `yaml:"chunkSize"`
	ReplicationFactor int   `yaml:"replicationFactor"`
}

type Join struct {
	Attempts      int           `yaml:"attempts"`
	AcceptTimeout time.Duration `yaml:"acceptTimeout"`
	BlockTimeout  time.Duration `yaml:"blockTimeout"` // upper bound on a cluster-wide gossip pause during snapshot transfer
}

type Recovery struct {
	ResponseTimeout time.Duration `yaml:"responseTimeout"`
	AcceptTimeout   time.Duration `yaml:"acceptTimeout"`
	ConnectAttempts int           `yaml:"connectAttempts"`
	ConnectRate     float64       `yaml:"connectRate"` // connect attempts per second while healing
}

type Cache struct {
	JoinDedupTTL time.Duration `yaml:"joinDedupTTL"`
	DeadLinkTTL  time.Duration `yaml:"deadLinkTTL"`
	GossipTTL    time.Duration `yaml:"gossipTTL"` // how long applied message ids are remembered
}

type RateLimiter struct {
	Limit float64 `yaml:"limit"` // requests per second per remote address
	Burst int     `yaml:"burst"`
}

// Client configures the HTTP API served to end users.
type Client struct {
	Port       int           `yaml:"port"`
	SessionTTL time.Duration `yaml:"sessionTTL"`
	// RequireCoordinator makes every node but the elected coordinator
	// refuse mutations.
	RequireCoordinator bool        `yaml:"requireCoordinator"`
	TrustedProxies     []string    `yaml:"trustedProxies"`
	RateLimit          RateLimiter `yaml:"rateLimit"`
}

type TLS struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	SkipVerify bool   `yaml:"skipVerify"` // peers present self-signed certificates
}

func (t TLS) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// Node is the full configuration of a single storage node. It is loaded once
// at startup and handed to every component that needs it.
type Node struct {
	Address        string `yaml:"address"`   // unique cluster-wide, also the ring identity
	NetworkID      string `yaml:"networkId"` // CIDR of the subnet used for discovery broadcasts
	Rack           int    `yaml:"rack"`
	AvailableBytes int64  `yaml:"availableBytes"`
	Priority       int    `yaml:"priority"` // lower wins coordinator election
	StoragePath    string `yaml:"storagePath"`
	DataDir        string `yaml:"dataDir"`
	PeerPort       int    `yaml:"peerPort"`
	DiscoveryPort  int    `yaml:"discoveryPort"`
	QueueSize      int    `yaml:"queueSize"`

	Logging   Logging   `yaml:"logging"`
	Placement Placement `yaml:"placement"`
	Join      Join      `yaml:"join"`
	Recovery  Recovery  `yaml:"recovery"`
	Cache     Cache     `yaml:"cache"`
	Client    Client    `yaml:"client"`
	TLS       TLS       `yaml:"tls"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrAddressMissing            = errors.New("address is missing in config")
	ErrNetworkIDInvalid          = errors.New("networkId is missing or is not a valid CIDR")
	ErrAvailableBytesInvalid     = errors.New("availableBytes must not be negative")
	ErrStoragePathMissing        = errors.New("storagePath is missing in config")
	ErrDataDirMissing            = errors.New("dataDir is missing in config")
	ErrChunkSizeInvalid          = errors.New("placement.chunkSize must be positive")
	ErrReplicationFactorInvalid  = errors.New("placement.replicationFactor must be at least 1")
	ErrJoinAttemptsInvalid       = errors.New("join.attempts must be positive")
	ErrRecoveryAttemptsInvalid   = errors.New("recovery.connectAttempts must be positive")
	ErrTLSMissing                = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrPortCollision             = errors.New("peerPort, discoveryPort and client.port must all differ")
	ErrRecoveryTimeoutsIncorrect = errors.New("recovery timeouts must be positive")
)

// LoadConfig reads and validates a node configuration file. Unset tunables
// are filled with defaults before validation.
func LoadConfig(configFile string) (*Node, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Node
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Node) applyDefaults() {
	if cfg.PeerPort == 0 {
		cfg.PeerPort = DefaultPeerPort
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Placement.ChunkSize == 0 {
		cfg.Placement.ChunkSize = DefaultChunkSize
	}
	if cfg.Placement.ReplicationFactor == 0 {
		cfg.Placement.ReplicationFactor = DefaultReplicationFactor
	}
	if cfg.Join.Attempts == 0 {
		cfg.Join.Attempts = 3
	}
	if cfg.Join.AcceptTimeout == 0 {
		cfg.Join.AcceptTimeout = 3 * time.Second
	}
	if cfg.Join.BlockTimeout == 0 {
		cfg.Join.BlockTimeout = 2 * time.Minute
	}
	if cfg.Recovery.ResponseTimeout == 0 {
		cfg.Recovery.ResponseTimeout = 10 * time.Second
	}
	if cfg.Recovery.AcceptTimeout == 0 {
		cfg.Recovery.AcceptTimeout = 5 * time.Second
	}
	if cfg.Recovery.ConnectAttempts == 0 {
		cfg.Recovery.ConnectAttempts = 5
	}
	if cfg.Recovery.ConnectRate == 0 {
		cfg.Recovery.ConnectRate = 2
	}
	if cfg.Cache.JoinDedupTTL == 0 {
		cfg.Cache.JoinDedupTTL = 10 * time.Second
	}
	if cfg.Cache.DeadLinkTTL == 0 {
		cfg.Cache.DeadLinkTTL = time.Minute
	}
	if cfg.Cache.GossipTTL == 0 {
		cfg.Cache.GossipTTL = 5 * time.Minute
	}
	if cfg.Client.Port == 0 {
		cfg.Client.Port = DefaultClientPort
	}
	if cfg.Client.SessionTTL == 0 {
		cfg.Client.SessionTTL = 12 * time.Hour
	}
	if cfg.Client.RateLimit.Limit == 0 {
		cfg.Client.RateLimit.Limit = 20
	}
	if cfg.Client.RateLimit.Burst == 0 {
		cfg.Client.RateLimit.Burst = 40
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (cfg *Node) Validate() error {
	if cfg.Address == "" {
		return ErrAddressMissing
	}
	if _, _, err := net.ParseCIDR(cfg.NetworkID); err != nil {
		return ErrNetworkIDInvalid
	}
	if cfg.AvailableBytes < 0 {
		return ErrAvailableBytesInvalid
	}
	if cfg.StoragePath == "" {
		return ErrStoragePathMissing
	}
	if cfg.DataDir == "" {
		return ErrDataDirMissing
	}
	if cfg.PeerPort == cfg.DiscoveryPort ||
		cfg.Client.Port == cfg.PeerPort ||
		cfg.Client.Port == cfg.DiscoveryPort {
		return ErrPortCollision
	}
	if cfg.Placement.ChunkSize <= 0 {
		return ErrChunkSizeInvalid
	}
	if cfg.Placement.ReplicationFactor < 1 {
		return ErrReplicationFactorInvalid
	}
	if cfg.Join.Attempts <= 0 {
		return ErrJoinAttemptsInvalid
	}
	if cfg.Recovery.ConnectAttempts <= 0 {
		return ErrRecoveryAttemptsInvalid
	}
	if cfg.Recovery.ResponseTimeout <= 0 || cfg.Recovery.AcceptTimeout <= 0 {
		return ErrRecoveryTimeoutsIncorrect
	}
	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}
	return nil
}

// BroadcastAddress returns the directed broadcast address of NetworkID.
func (cfg *Node) BroadcastAddress() (string, error) {
	_, ipNet, err := net.ParseCIDR(cfg.NetworkID)
	if err != nil {
		return "", ErrNetworkIDInvalid
	}
	ip := ipNet.IP.To4()
	if ip == nil {
		return "", ErrNetworkIDInvalid
	}
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^ipNet.Mask[i]
	}
	return bcast.String(), nil
}

func GenerateConfig(configFile string) (*Node, error) {
	cfg := Node{
		Address:        "192.168.1.10",
		NetworkID:      "192.168.1.0/24",
		Rack:           1,
		AvailableBytes: 10 * 1024 * 1024 * 1024,
		Priority:       10,
		StoragePath:    "data/chunks",
		DataDir:        "data/ringd",
		Logging:        Logging{Level: "info"},
		Client: Client{
			TrustedProxies: []string{"127.0.0.1"},
		},
	}
	cfg.applyDefaults()

	// The configFile argument is not used to generate content; writing the
	// result is handled by the runtime.
	return &cfg, nil
}
