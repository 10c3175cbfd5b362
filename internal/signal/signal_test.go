package signal

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

const sampleSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:EsAw\r\n" +
	"a=ice-pwd:bP+XJMM09aR8AiX1jdukzR6Y\r\n" +
	"a=fingerprint:sha-256 D7:87:0C:1A:5B:2C:77:0F\r\n" +
	"a=setup:actpass\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n" +
	"a=candidate:1 1 udp 2130706431 192.168.1.2 54321 typ host\r\n" +
	"a=candidate:2 1 udp 1694498815 203.0.113.7 61000 typ srflx raddr 0.0.0.0 rport 0\r\n"

func TestRoundTripOffer(t *testing.T) {
	encoded, err := Encode(transport.Description{Type: transport.SDPOffer, SDP: sampleSDP})
	require.NoError(t, err)
	assert.Equal(t, byte('O'), encoded[0])
	assert.NotEqual(t, byte('M'), encoded[1])
	assert.NotContains(t, encoded, "=")

	desc, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, transport.SDPOffer, desc.Type)
	assert.Equal(t, sampleSDP, desc.SDP)
}

func TestRoundTripAnswer(t *testing.T) {
	encoded, err := Encode(transport.Description{Type: transport.SDPAnswer, SDP: sampleSDP})
	require.NoError(t, err)
	assert.Equal(t, byte('A'), encoded[0])

	desc, err := Decode("  " + encoded + "\n")
	require.NoError(t, err)
	assert.Equal(t, transport.SDPAnswer, desc.Type)
	assert.Equal(t, sampleSDP, desc.SDP)
}

func TestOversizedFallsBackToMinimal(t *testing.T) {
	junk := make([]byte, 3000)
	_, err := rand.Read(junk)
	require.NoError(t, err)
	sdp := sampleSDP + "a=x-padding:" + hex.EncodeToString(junk) + "\r\n"

	encoded, err := Encode(transport.Description{Type: transport.SDPOffer, SDP: sdp})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "OM"), "expected minimal form, got prefix %q", encoded[:2])
	assert.LessOrEqual(t, len(encoded), MaxEncodedLen)

	desc, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, transport.SDPOffer, desc.Type)

	expected := strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 0.0.0.0",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE 0",
		"a=extmap-allow-mixed",
		"a=msid-semantic:WMS",
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:EsAw",
		"a=ice-pwd:bP+XJMM09aR8AiX1jdukzR6Y",
		"a=ice-options:trickle",
		"a=fingerprint:sha-256 D7:87:0C:1A:5B:2C:77:0F",
		"a=setup:actpass",
		"a=mid:0",
		"a=sctp-port:5000",
		"a=max-message-size:262144",
		"a=candidate:1 1 udp 2130706431 192.168.1.2 54321 typ host",
		"a=candidate:2 1 udp 1694498815 203.0.113.7 61000 typ srflx raddr 0.0.0.0 rport 0",
		"",
	}, "\r\n")
	assert.Equal(t, expected, desc.SDP)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("")
	assert.True(t, errors.Is(err, ErrEmpty))

	_, err = Decode("O!!not-base64!!")
	assert.Error(t, err)

	_, err = Decode("A" + encoding.EncodeToString([]byte("plain, not zlib")))
	assert.Error(t, err)

	_, err = Decode("OM" + encoding.EncodeToString([]byte("x")))
	assert.Error(t, err)
}
