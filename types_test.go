package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkParse(t *testing.T) {
	namespace, reference, err := Network("eip155:8453").Parse()
	require.NoError(t, err)
	assert.Equal(t, "eip155", namespace)
	assert.Equal(t, "8453", reference)

	_, _, err = Network("base").Parse()
	assert.Error(t, err)

	_, _, err = Network("eip155:8453:extra").Parse()
	assert.Error(t, err)
}

func TestNetworkMatch(t *testing.T) {
	tests := []struct {
		name    string
		network Network
		pattern Network
		want    bool
	}{
		{"exact match", "eip155:8453", "eip155:8453", true},
		{"wildcard pattern", "eip155:8453", "eip155:*", true},
		{"wildcard network", "eip155:*", "eip155:84532", true},
		{"wildcard both", "eip155:*", "eip155:*", true},
		{"different family", "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", "eip155:*", false},
		{"different reference", "eip155:8453", "eip155:84532", false},
		{"starknet family", "starknet:SN_MAIN", "starknet:*", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.network.Match(tt.pattern))
		})
	}
}

func TestNetworkFamily(t *testing.T) {
	assert.Equal(t, "eip155:*", Network("eip155:8453").Family())
	assert.Equal(t, "solana:*", Network("solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1").Family())
	assert.True(t, Network("eip155:*").IsWildcard())
	assert.False(t, Network("eip155:8453").IsWildcard())
}
