package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
)

// sessionV5 is an MQTT v5 session on Eclipse Paho v2.
type sessionV5 struct {
	client *paho.Client
	in     *inbox
	logger *slog.Logger
	closed atomic.Bool
}

func connectV5(ctx context.Context, conn net.Conn, clientID string, opts Options, in *inbox, logger *slog.Logger) (*sessionV5, error) {
	s := &sessionV5{in: in, logger: logger}

	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				in.push(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			in.linkLost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			in.linkLost(fmt.Errorf("server disconnect, reason code %#x", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(opts.KeepAlive.Seconds()),
		CleanStart: true,
	}
	if opts.Will != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   opts.Will.Topic,
			Payload: opts.Will.Payload,
			QoS:     1,
			Retain:  true,
		}
	}

	ca, err := s.client.Connect(ctx, cp)
	if err != nil {
		if ca != nil && ca.ReasonCode >= 0x80 {
			return nil, fmt.Errorf("connack reason code %#x: %w", ca.ReasonCode, err)
		}
		return nil, err
	}
	return s, nil
}

func (s *sessionV5) Subscribe(ctx context.Context, topic string, h Handler) error {
	if err := s.usable(); err != nil {
		return err
	}
	sa, err := s.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if sa != nil {
		for _, code := range sa.Reasons {
			if code >= 0x80 {
				return fmt.Errorf("subscribe %s: reason code %#x", topic, code)
			}
		}
	}
	s.in.subscribe(topic, h)
	s.logger.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (s *sessionV5) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.publish(ctx, topic, payload, false)
}

func (s *sessionV5) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return s.publish(ctx, topic, payload, true)
}

func (s *sessionV5) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := s.usable(); err != nil {
		return err
	}
	if _, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (s *sessionV5) Poll(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session closed", ErrNotConnected)
	}
	return s.in.poll(ctx)
}

func (s *sessionV5) IsConnected() bool {
	return !s.closed.Load() && !s.in.isLost()
}

func (s *sessionV5) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.in.isLost() {
		return nil
	}
	s.in.linkLost(fmt.Errorf("session closed"))
	return s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

func (s *sessionV5) usable() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session closed", ErrNotConnected)
	}
	return s.in.lostErr()
}
