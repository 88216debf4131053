package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/internal/gateway"
	"github.com/blekey-server/blekey-server/internal/models"
)

// NATSBridge serves the bridge actions over NATS for headless callers.
// Actions arrive on <subject>.actions and every message is published on
// <subject>.messages.
type NATSBridge struct {
	bus     gateway.Bus
	subject string
	bridge  *Bridge
	subs    []gateway.Subscription
}

// NewNATSBridge creates a NATS bridge under subject
func NewNATSBridge(bus gateway.Bus, subject string, cfg BridgeConfig) *NATSBridge {
	nb := &NATSBridge{
		bus:     bus,
		subject: subject,
	}
	nb.bridge = NewBridge(cfg, nb.publish)
	return nb
}

// ActionsSubject is where actions are received
func (nb *NATSBridge) ActionsSubject() string {
	return nb.subject + ".actions"
}

// MessagesSubject is where messages are published
func (nb *NATSBridge) MessagesSubject() string {
	return nb.subject + ".messages"
}

// Start starts the subscription and serves until ctx ends
func (nb *NATSBridge) Start(ctx context.Context) error {
	sub, err := nb.bus.Subscribe(nb.ActionsSubject(), func(msg *nats.Msg) {
		log.Debug().
			Str("subject", msg.Subject).
			Int("size", len(msg.Data)).
			Msg("Received bridge action")
		nb.bridge.Handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe bridge actions: %w", err)
	}
	nb.subs = append(nb.subs, sub)

	log.Info().
		Str("actions", nb.ActionsSubject()).
		Str("messages", nb.MessagesSubject()).
		Msg("NATS bridge started")

	<-ctx.Done()

	for _, sub := range nb.subs {
		sub.Unsubscribe()
	}
	nb.bridge.Close()

	return ctx.Err()
}

func (nb *NATSBridge) publish(msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return nb.bus.Publish(nb.MessagesSubject(), data)
}
