package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

const eventBuffer = 256

type session struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	logger        logrus.FieldLogger

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	primary *dataChannel
}

var _ transport.Session = (*session)(nil)

func newSession(pc *webrtc.PeerConnection, gatherTimeout time.Duration, logger logrus.FieldLogger) *session {
	s := &session{
		pc:            pc,
		gatherTimeout: gatherTimeout,
		logger:        logger,
		events:        make(chan transport.Event, eventBuffer),
		done:          make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.logger.Debugf("ICE connection state changed: %s", state.String())
		s.emit(transport.Event{Kind: transport.EventStateChange, State: connectionState(state)})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == transport.PrimaryLabel {
			s.setPrimary(dc)
			return
		}
		ch := s.setupDataChannel(dc)
		s.emit(transport.Event{Kind: transport.EventDataChannel, Label: dc.Label(), Channel: ch})
	})

	return s
}

func (s *session) CreateOffer(ctx context.Context) (transport.Description, error) {
	ordered := true
	dc, err := s.pc.CreateDataChannel(transport.PrimaryLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return transport.Description{}, fmt.Errorf("failed to create data channel: %w", err)
	}
	s.setPrimary(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return transport.Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return s.gather(ctx, offer)
}

func (s *session) CreateAnswer(ctx context.Context, offer transport.Description) (transport.Description, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return transport.Description{}, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return transport.Description{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return s.gather(ctx, answer)
}

func (s *session) ApplyAnswer(answer transport.Description) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// gather applies the local description and waits for candidate gathering.
// Past the deadline the partial candidate set is used.
func (s *session) gather(ctx context.Context, desc webrtc.SessionDescription) (transport.Description, error) {
	complete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return transport.Description{}, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(s.gatherTimeout)
	defer timer.Stop()

	select {
	case <-complete:
	case <-timer.C:
		s.logger.Warnf("ICE gathering incomplete after %s, continuing with partial candidates", s.gatherTimeout)
	case <-ctx.Done():
		return transport.Description{}, ctx.Err()
	case <-s.done:
		return transport.Description{}, transport.ErrClosed
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return transport.Description{}, fmt.Errorf("no local description after gathering")
	}
	return transport.Description{Type: sdpType(local.Type), SDP: local.SDP}, nil
}

func (s *session) Channel() transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary == nil {
		return nil
	}
	return s.primary
}

func (s *session) OpenChannel(label string) (transport.Channel, error) {
	dc, err := s.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %q: %w", label, err)
	}
	return s.setupDataChannel(dc), nil
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pc.Close()
	})
	return err
}

func (s *session) setPrimary(dc *webrtc.DataChannel) {
	ch := s.setupDataChannel(dc)
	s.mu.Lock()
	s.primary = ch
	s.mu.Unlock()
}

func (s *session) setupDataChannel(dc *webrtc.DataChannel) *dataChannel {
	ch := &dataChannel{dc: dc}
	label := dc.Label()

	dc.OnOpen(func() {
		s.logger.Debugf("Data channel '%s'-'%d' open", label, dc.ID())
		s.emit(transport.Event{Kind: transport.EventChannelOpen, Label: label, Channel: ch})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.emit(transport.Event{
			Kind:    transport.EventMessage,
			Label:   label,
			Channel: ch,
			Data:    msg.Data,
			IsText:  msg.IsString,
		})
	})

	dc.OnError(func(err error) {
		s.emit(transport.Event{Kind: transport.EventChannelError, Label: label, Channel: ch, Err: err})
	})

	dc.OnClose(func() {
		s.logger.Debugf("Data channel '%s'-'%d' closed", label, dc.ID())
		s.emit(transport.Event{Kind: transport.EventChannelClose, Label: label, Channel: ch})
	})

	return ch
}

func (s *session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

var _ transport.Channel = (*dataChannel)(nil)

func (c *dataChannel) Label() string { return c.dc.Label() }

func (c *dataChannel) SendText(s string) error { return c.dc.SendText(s) }

func (c *dataChannel) Send(data []byte) error { return c.dc.Send(data) }

func (c *dataChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *dataChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.dc.SetBufferedAmountLowThreshold(th)
}

func (c *dataChannel) OnBufferedAmountLow(f func()) { c.dc.OnBufferedAmountLow(f) }

func (c *dataChannel) Close() error { return c.dc.Close() }

func connectionState(state webrtc.ICEConnectionState) transport.ConnectionState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return transport.StateChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return transport.StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return transport.StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return transport.StateFailed
	case webrtc.ICEConnectionStateClosed:
		return transport.StateClosed
	default:
		return transport.StateNew
	}
}

func sdpType(t webrtc.SDPType) transport.SDPType {
	if t == webrtc.SDPTypeAnswer {
		return transport.SDPAnswer
	}
	return transport.SDPOffer
}
