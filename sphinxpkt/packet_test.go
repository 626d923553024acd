package sphinxpkt

import (
	"testing"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/stretchr/testify/require"

	"github.com/nymtech/mixnet-client-core/constants"
)

func TestPackProducesClassExactLength(t *testing.T) {
	priv, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	hop := RouteHop{PublicKey: priv.PublicKey()}
	pkt, err := Pack(Regular, hop, []byte("route"), []byte("hello"), rand.Reader)
	require.NoError(t, err)
	require.Equal(t, constants.RegularPacketLength, len(pkt.Payload))
}

func TestPackOpenRoundTrip(t *testing.T) {
	priv, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	hop := RouteHop{PublicKey: priv.PublicKey()}
	pkt, err := Pack(Ack, hop, []byte("r"), []byte("payload-bytes"), rand.Reader)
	require.NoError(t, err)

	routeInfo, payload, err := Open(priv, pkt)
	require.NoError(t, err)
	require.Equal(t, []byte("r"), routeInfo)
	require.Equal(t, []byte("payload-bytes"), payload)
}

func TestPackRejectsOversizedPlaintext(t *testing.T) {
	priv, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	hop := RouteHop{PublicKey: priv.PublicKey()}
	huge := make([]byte, constants.AckPacketLength*2)
	_, err = Pack(Ack, hop, nil, huge, rand.Reader)
	require.Error(t, err)
}
