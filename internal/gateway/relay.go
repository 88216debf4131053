package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/pkg/blekey"
)

// Relay exposes a local radio on NATS so an engine elsewhere can reach
// the keys in range of this host
type Relay struct {
	bus      Bus
	subjects Subjects
	radio    blekey.Transport

	mu    sync.Mutex
	links map[string]*relayLink
	subs  []Subscription
}

type relayLink struct {
	id      string
	address string
	link    blekey.Link
	subs    []Subscription
	// closing is set when the engine asked for the close
	closing bool
}

// NewRelay creates a relay for radio under prefix
func NewRelay(bus Bus, prefix string, radio blekey.Transport) *Relay {
	return &Relay{
		bus:      bus,
		subjects: Subjects{Prefix: prefix},
		radio:    radio,
		links:    make(map[string]*relayLink),
	}
}

// Start subscribes to the relay subjects and serves until ctx ends
func (r *Relay) Start(ctx context.Context) error {
	sub1, err := r.bus.Subscribe(r.subjects.Discover(), r.handleDiscover)
	if err != nil {
		return fmt.Errorf("subscribe discover: %w", err)
	}
	r.subs = append(r.subs, sub1)

	sub2, err := r.bus.Subscribe(r.subjects.Open(), r.handleOpen)
	if err != nil {
		sub1.Unsubscribe()
		return fmt.Errorf("subscribe open: %w", err)
	}
	r.subs = append(r.subs, sub2)

	log.Info().
		Str("prefix", r.subjects.Prefix).
		Msg("Radio relay started")

	<-ctx.Done()

	for _, sub := range r.subs {
		sub.Unsubscribe()
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.closeLink(id)
	}

	log.Info().Msg("Radio relay stopped")
	return nil
}

// Links returns the number of open relayed links
func (r *Relay) Links() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *Relay) reply(msg *nats.Msg, v interface{}) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal relay reply")
		return
	}
	if err := r.bus.Publish(msg.Reply, data); err != nil {
		log.Error().Err(err).Str("subject", msg.Reply).Msg("Failed to send relay reply")
	}
}

func (r *Relay) handleDiscover(msg *nats.Msg) {
	var req discoverRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.reply(msg, discoverReply{Error: "invalid discover request"})
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = blekey.DefaultScanTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	devices, err := r.radio.Discover(ctx, timeout)
	if err != nil {
		log.Error().Err(err).Msg("Discovery failed")
		r.reply(msg, discoverReply{Error: err.Error()})
		return
	}

	log.Debug().Int("devices", len(devices)).Msg("Discovery relayed")
	r.reply(msg, discoverReply{Devices: devices})
}

func (r *Relay) handleOpen(msg *nats.Msg) {
	var req openRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Link == "" || req.Address == "" {
		r.reply(msg, openReply{Error: "invalid open request"})
		return
	}

	link, err := r.radio.Open(context.Background(), req.Address)
	if err != nil {
		log.Warn().Err(err).Str("address", req.Address).Msg("Open failed")
		r.reply(msg, openReply{Error: err.Error()})
		return
	}

	rl := &relayLink{id: req.Link, address: req.Address, link: link}

	tx, err := r.bus.Subscribe(r.subjects.TX(rl.id), func(m *nats.Msg) {
		frame := append([]byte(nil), m.Data...)
		if err := link.Send(context.Background(), frame); err != nil {
			log.Warn().Err(err).Str("link", rl.id).Msg("Radio write failed")
		}
	})
	if err != nil {
		link.Close()
		r.reply(msg, openReply{Error: err.Error()})
		return
	}
	closeSub, err := r.bus.Subscribe(r.subjects.Close(rl.id), func(_ *nats.Msg) {
		r.closeLink(rl.id)
	})
	if err != nil {
		tx.Unsubscribe()
		link.Close()
		r.reply(msg, openReply{Error: err.Error()})
		return
	}
	rl.subs = []Subscription{tx, closeSub}

	r.mu.Lock()
	r.links[rl.id] = rl
	r.mu.Unlock()

	go r.pump(rl)

	log.Info().Str("address", rl.address).Str("link", rl.id).Msg("Link opened")
	r.reply(msg, openReply{})
}

// pump forwards notifications until the radio link ends
func (r *Relay) pump(rl *relayLink) {
	notifications := rl.link.Notifications()
	for {
		select {
		case frame, ok := <-notifications:
			if !ok {
				r.linkEnded(rl)
				return
			}
			if err := r.bus.Publish(r.subjects.RX(rl.id), frame); err != nil {
				log.Warn().Err(err).Str("link", rl.id).Msg("Failed to relay notification")
			}
		case <-rl.link.Done():
			r.linkEnded(rl)
			return
		}
	}
}

func (r *Relay) linkEnded(rl *relayLink) {
	r.mu.Lock()
	closing := rl.closing
	delete(r.links, rl.id)
	r.mu.Unlock()

	for _, sub := range rl.subs {
		sub.Unsubscribe()
	}

	if closing {
		log.Info().Str("address", rl.address).Str("link", rl.id).Msg("Link closed")
		return
	}

	log.Warn().Str("address", rl.address).Str("link", rl.id).Msg("Radio link lost")
	if err := r.bus.Publish(r.subjects.Lost(rl.id), nil); err != nil {
		log.Error().Err(err).Str("link", rl.id).Msg("Failed to report lost link")
	}
}

func (r *Relay) closeLink(id string) {
	r.mu.Lock()
	rl, ok := r.links[id]
	if ok {
		rl.closing = true
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := rl.link.Close(); err != nil {
		log.Debug().Err(err).Str("link", id).Msg("Closing radio link")
	}
}
