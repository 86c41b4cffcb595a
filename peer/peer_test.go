package peer_test

import (
	"testing"

	"github.com/gosw/swarmtorrent/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	bin := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 5, 0x00, 0x50}
	peers, err := peer.Unmarshal(bin)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "192.168.1.1:6881", peers[0].String())
	assert.Equal(t, "10.0.0.5:80", peers[1].String())
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := peer.Unmarshal([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	p := peer.New("127.0.0.1", 6881)
	assert.Equal(t, "127.0.0.1:6881", p.String())
}
