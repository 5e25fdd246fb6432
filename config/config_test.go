package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ringd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
address: 10.0.0.5
networkId: 10.0.0.0/24
rack: 2
availableBytes: 4096
priority: 1
storagePath: /tmp/chunks
dataDir: /tmp/ringd
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Address)
	assert.Equal(t, 2, cfg.Rack)
	assert.EqualValues(t, 4096, cfg.AvailableBytes)
	assert.EqualValues(t, DefaultChunkSize, cfg.Placement.ChunkSize)
	assert.Equal(t, DefaultReplicationFactor, cfg.Placement.ReplicationFactor)
	assert.Equal(t, DefaultPeerPort, cfg.PeerPort)
	assert.Equal(t, 3, cfg.Join.Attempts)
	assert.Equal(t, 3*time.Second, cfg.Join.AcceptTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, DefaultClientPort, cfg.Client.Port)
	assert.Equal(t, 12*time.Hour, cfg.Client.SessionTTL)
	assert.False(t, cfg.Client.RequireCoordinator)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "missing address",
			body: "networkId: 10.0.0.0/24\nstoragePath: s\ndataDir: d\n",
			want: ErrAddressMissing,
		},
		{
			name: "bad network",
			body: "address: a\nnetworkId: nope\nstoragePath: s\ndataDir: d\n",
			want: ErrNetworkIDInvalid,
		},
		{
			name: "negative capacity",
			body: "address: a\nnetworkId: 10.0.0.0/24\navailableBytes: -1\nstoragePath: s\ndataDir: d\n",
			want: ErrAvailableBytesInvalid,
		},
		{
			name: "missing storage path",
			body: "address: a\nnetworkId: 10.0.0.0/24\ndataDir: d\n",
			want: ErrStoragePathMissing,
		},
		{
			name: "half tls",
			body: "address: a\nnetworkId: 10.0.0.0/24\nstoragePath: s\ndataDir: d\ntls:\n  cert: c\n",
			want: ErrTLSMissing,
		},
		{
			name: "port collision",
			body: "address: a\nnetworkId: 10.0.0.0/24\nstoragePath: s\ndataDir: d\npeerPort: 9000\ndiscoveryPort: 9000\n",
			want: ErrPortCollision,
		},
		{
			name: "client port collision",
			body: "address: a\nnetworkId: 10.0.0.0/24\nstoragePath: s\ndataDir: d\nclient:\n  port: 50502\n",
			want: ErrPortCollision,
		},
		{
			name: "garbage",
			body: "address: [unterminated",
			want: ErrConfigFileUnmarshallable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestBroadcastAddress(t *testing.T) {
	cfg := &Node{NetworkID: "192.168.4.0/22"}
	addr, err := cfg.BroadcastAddress()
	require.NoError(t, err)
	assert.Equal(t, "192.168.7.255", addr)
}

func TestGenerateConfig_IsLoadable(t *testing.T) {
	cfg, err := GenerateConfig("unused")
	require.NoError(t, err)

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	path := writeConfig(t, string(data))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Address, loaded.Address)
	assert.Equal(t, cfg.Recovery, loaded.Recovery)
	assert.Equal(t, cfg.Client, loaded.Client)
}
