// Package p2p gossips public market data (executed trades and book snapshots) to other
// exchange nodes over libp2p gossipsub. Orders and account data never leave the node.
package p2p

import (
	"context"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/events"
)

const (
	topicTrades = "p2pex-trades"
	topicBooks  = "p2pex-books"
)

// gossipTopic maps a bus topic to the gossip topic that carries it.
func gossipTopic(t events.Topic) (string, bool) {
	switch t {
	case events.TradeExecuted:
		return topicTrades, true
	case events.OrderbookUpdated:
		return topicBooks, true
	}
	return "", false
}

// Handler receives market data published by another node.
type Handler func(from peer.ID, e events.Event)

type Gossip struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	muH     sync.RWMutex
	handler Handler
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewGossip(ctx context.Context, cfg Config) (*Gossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{
		h: h, ps: ps, log: cfg.Logger,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := g.joinTopics(); err != nil {
		g.Close()
		return nil, err
	}
	for name, sub := range g.subs {
		go g.handleInbound(ctx, name, sub)
	}

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) joinTopics() error {
	for _, name := range []string{topicTrades, topicBooks} {
		t, err := g.ps.Join(name)
		if err != nil {
			return err
		}
		sub, err := t.Subscribe()
		if err != nil {
			return err
		}
		g.topics[name], g.subs[name] = t, sub
	}
	return nil
}

func (g *Gossip) SetHandler(h Handler) { g.muH.Lock(); g.handler = h; g.muH.Unlock() }

func (g *Gossip) Host() host.Host { return g.h }

// Publish gossips a bus event if it is public market data.
func (g *Gossip) Publish(ctx context.Context, e events.Event) error {
	name, ok := gossipTopic(e.Topic)
	if !ok {
		return nil
	}
	data, err := encodeEvent(e)
	if err != nil {
		return err
	}
	return g.topics[name].Publish(ctx, data)
}

// Run forwards trades and book snapshots from the bus until ctx is done or the bus
// closes.
func (g *Gossip) Run(ctx context.Context, bus *events.Bus, buffer int) {
	sub := bus.Subscribe(buffer, events.TradeExecuted, events.OrderbookUpdated)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := g.Publish(ctx, e); err != nil && ctx.Err() == nil {
				g.log.Warnw("gossip_publish_failed", "topic", e.Topic, "symbol", e.Symbol, "err", err)
			}
		}
	}
}

// inbound

func (g *Gossip) handleInbound(ctx context.Context, name string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		e, err := decodeEvent(msg.Data)
		if err != nil {
			g.log.Debugw("gossip_decode_failed", "topic", name, "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(msg.ReceivedFrom, e)
		}
	}
}

// Close leaves the topics and shuts the host down.
func (g *Gossip) Close() error {
	for name, sub := range g.subs {
		sub.Cancel()
		if t := g.topics[name]; t != nil {
			t.Close()
		}
	}
	return g.h.Close()
}
