package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brineport/mdht/internal/kademlia"
)

func TestEncodeDecodeInfosRoundTrip(t *testing.T) {
	infos := []kademlia.Info{
		kademlia.NewInfo(kademlia.Random(), &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6881}),
		kademlia.NewInfo(kademlia.Random(), &net.UDPAddr{IP: net.ParseIP("fd00::2"), Port: 1}),
	}

	buf := EncodeInfos(infos)
	assert.Len(t, buf, infoRecordLen*2)

	decoded, err := DecodeInfos(buf)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	for i := range infos {
		assert.Equal(t, infos[i].ID, decoded[i].ID)
		assert.True(t, infos[i].Addr.IP.Equal(decoded[i].Addr.IP))
		assert.Equal(t, infos[i].Addr.Port, decoded[i].Addr.Port)
	}
}

func TestEncodeInfosEmpty(t *testing.T) {
	buf := EncodeInfos(nil)
	assert.Empty(t, buf)
}

func TestDecodeInfosRejectsBadLength(t *testing.T) {
	_, err := DecodeInfos(make([]byte, infoRecordLen+1))
	assert.Error(t, err)
}
