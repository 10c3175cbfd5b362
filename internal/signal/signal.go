// Package signal packs session descriptions into short printable strings
// for out-of-band exchange (copy/paste, QR codes) and back.
//
// An encoded description is a type prefix ('O' offer, 'A' answer) followed
// by the base64url (unpadded) zlib stream of the SDP. When that exceeds
// MaxEncodedLen the minimal form is used instead: the prefix, 'M', and the
// base64url zlib stream of a JSON object holding only the ICE credentials,
// the DTLS fingerprint, the setup role and the candidates.
package signal

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

// MaxEncodedLen is the longest full-form encoding before falling back to
// the minimal form.
const MaxEncodedLen = 2500

const (
	prefixOffer  = 'O'
	prefixAnswer = 'A'
	tagMinimal   = 'M'
)

var ErrEmpty = errors.New("empty signal")

var encoding = base64.RawURLEncoding

type minimal struct {
	Ufrag      string   `json:"ufrag"`
	Pwd        string   `json:"pwd"`
	Fp         string   `json:"fp"`
	Setup      string   `json:"setup"`
	Candidates []string `json:"candidates"`
}

func Encode(desc transport.Description) (string, error) {
	prefix := string(prefixAnswer)
	if desc.Type == transport.SDPOffer {
		prefix = string(prefixOffer)
	}

	packed, err := deflate([]byte(desc.SDP))
	if err != nil {
		return "", err
	}
	full := prefix + encoding.EncodeToString(packed)
	if len(full) <= MaxEncodedLen {
		return full, nil
	}

	m := extract(desc.SDP)
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	packed, err = deflate(data)
	if err != nil {
		return "", err
	}
	return prefix + string(tagMinimal) + encoding.EncodeToString(packed), nil
}

func Decode(encoded string) (transport.Description, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return transport.Description{}, ErrEmpty
	}

	desc := transport.Description{Type: transport.SDPAnswer}
	if encoded[0] == prefixOffer {
		desc.Type = transport.SDPOffer
	}
	payload := encoded[1:]

	if len(payload) > 0 && payload[0] == tagMinimal {
		data, err := unpack(payload[1:])
		if err != nil {
			return transport.Description{}, err
		}
		var m minimal
		if err := json.Unmarshal(data, &m); err != nil {
			return transport.Description{}, fmt.Errorf("decoding minimal description: %w", err)
		}
		desc.SDP = rebuild(m)
		return desc, nil
	}

	data, err := unpack(payload)
	if err != nil {
		return transport.Description{}, err
	}
	desc.SDP = string(data)
	return desc, nil
}

func extract(sdp string) minimal {
	m := minimal{Candidates: []string{}}
	for _, line := range strings.Split(sdp, "\r\n") {
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			m.Ufrag = strings.TrimPrefix(line, "a=ice-ufrag:")
		case strings.HasPrefix(line, "a=ice-pwd:"):
			m.Pwd = strings.TrimPrefix(line, "a=ice-pwd:")
		case strings.HasPrefix(line, "a=fingerprint:sha-256 "):
			m.Fp = strings.TrimPrefix(line, "a=fingerprint:sha-256 ")
		case strings.HasPrefix(line, "a=setup:"):
			m.Setup = strings.TrimPrefix(line, "a=setup:")
		case strings.HasPrefix(line, "a=candidate:"):
			m.Candidates = append(m.Candidates, strings.TrimPrefix(line, "a=candidate:"))
		}
	}
	return m
}

// rebuild produces a data-channel-only SDP around the extracted fields.
func rebuild(m minimal) string {
	lines := []string{
		"v=0",
		"o=- 0 0 IN IP4 0.0.0.0",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE 0",
		"a=extmap-allow-mixed",
		"a=msid-semantic:WMS",
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:" + m.Ufrag,
		"a=ice-pwd:" + m.Pwd,
		"a=ice-options:trickle",
		"a=fingerprint:sha-256 " + m.Fp,
		"a=setup:" + m.Setup,
		"a=mid:0",
		"a=sctp-port:5000",
		"a=max-message-size:262144",
	}
	for _, c := range m.Candidates {
		lines = append(lines, "a=candidate:"+c)
	}
	lines = append(lines, "")
	return strings.Join(lines, "\r\n")
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing description: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing description: %w", err)
	}
	return buf.Bytes(), nil
}

func unpack(payload string) ([]byte, error) {
	packed, err := encoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	r, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("decompressing description: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing description: %w", err)
	}
	return data, nil
}
