package webrtc

import "github.com/pion/webrtc/v3"

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var relayPresetURLs = []string{
	"turn:openrelay.metered.ca:80",
	"turn:openrelay.metered.ca:443",
	"turn:openrelay.metered.ca:443?transport=tcp",
}

const (
	relayPresetUsername   = "openrelayproject"
	relayPresetCredential = "openrelayproject"
)

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: defaultSTUNServers},
	}
}

// RelayPresets returns the public TURN relays used when direct and
// STUN-assisted candidates cannot connect two networks.
func RelayPresets() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(relayPresetURLs))
	for _, url := range relayPresetURLs {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   relayPresetUsername,
			Credential: relayPresetCredential,
		})
	}
	return servers
}

// ServerSpec is the configuration-file shape of one ICE server.
type ServerSpec struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// ICEServers converts configured servers, optionally followed by the relay
// presets. With nothing configured the STUN defaults are used.
func ICEServers(specs []ServerSpec, withRelays bool) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(specs)+len(relayPresetURLs))
	for _, spec := range specs {
		if len(spec.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: spec.URLs, Username: spec.Username}
		if spec.Credential != "" {
			server.Credential = spec.Credential
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		servers = append(servers, DefaultICEServers()...)
	}
	if withRelays {
		servers = append(servers, RelayPresets()...)
	}
	return servers
}
