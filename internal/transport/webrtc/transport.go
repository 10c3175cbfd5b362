// Package webrtc implements transport.Factory on top of pion.
package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

// DefaultGatherTimeout caps the wait for ICE gathering before a description
// is handed out with whatever candidates were found so far.
const DefaultGatherTimeout = 5 * time.Second

type Options struct {
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Logger        logrus.FieldLogger
}

type Factory struct {
	api           *webrtc.API
	config        webrtc.Configuration
	gatherTimeout time.Duration
	logger        logrus.FieldLogger
}

var _ transport.Factory = (*Factory)(nil)

func New(opts Options) *Factory {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = DefaultICEServers()
	}

	return &Factory{
		api: webrtc.NewAPI(),
		config: webrtc.Configuration{
			ICEServers:         opts.ICEServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		gatherTimeout: opts.GatherTimeout,
		logger:        opts.Logger,
	}
}

func (f *Factory) NewSession() (transport.Session, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newSession(pc, f.gatherTimeout, f.logger), nil
}
