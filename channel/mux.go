package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// MessageHandler consumes inbound messages of the types it registered for.
type MessageHandler interface {
	HandleMessage(ctx context.Context, ch *Channel, msg Message) error
}

// Mux routes inbound messages on an accepted channel to the engines that
// registered for each tag. Registration happens at wiring time; the map is
// read-only afterwards.
type Mux struct {
	handlers map[string]MessageHandler
	log      *slog.Logger
}

// NewMux builds an empty mux.
func NewMux(log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{handlers: make(map[string]MessageHandler), log: log}
}

// Register binds a handler to one or more message tags.
func (m *Mux) Register(handler MessageHandler, msgTypes ...string) {
	for _, t := range msgTypes {
		m.handlers[t] = handler
	}
}

// HandleChannel drains the channel until it closes or the context ends.
// Unroutable messages close the session: an unexpected tag on a strict
// protocol is a violation, not noise.
func (m *Mux) HandleChannel(ctx context.Context, ch *Channel) {
	defer ch.Close()
	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			if !errors.Is(err, ErrChannelClosed) && ctx.Err() == nil {
				m.log.Warn("channel recv failed", "peer", ch.RemoteIdentity().String(), "error", err.Error())
			}
			return
		}
		if err := m.dispatch(ctx, ch, msg); err != nil {
			m.log.Warn("message handling failed",
				"peer", ch.RemoteIdentity().String(),
				"type", MessageType(msg),
				"error", err.Error())
			return
		}
	}
}

func (m *Mux) dispatch(ctx context.Context, ch *Channel, msg Message) error {
	handler, ok := m.handlers[MessageType(msg)]
	if !ok {
		return fmt.Errorf("%w: no handler for %s", ErrUnknownMessageType, MessageType(msg))
	}
	return handler.HandleMessage(ctx, ch, msg)
}
