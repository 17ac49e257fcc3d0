// Package discovery implements the exchange engine's view of the network:
// announcing locally-held content and locating peers who hold content this
// node wants (spec.md §4.G). It is backed by the Kademlia DHT the teacher's
// node already routes through (node/popn.go's libp2p.Routing option), plus
// an optional gossip fast-path for content a node just inserted.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/rs/zerolog"
)

// Config tunes the Client.
type Config struct {
	// FindTimeout bounds a single DHT lookup.
	FindTimeout time.Duration
	// FindProviderCount bounds how many provider records a single Find
	// asks the DHT for.
	FindProviderCount int
	// MaxRetries bounds how many times the discovery queue retries a
	// lookup for the same CID before giving up (spec.md §4.G queue).
	MaxRetries int
	// CacheTTL bounds how long a Find result is reused before a fresh DHT
	// lookup is issued for the same CID.
	CacheTTL time.Duration
	// GossipTopic, if non-empty, enables the pubsub fast-path: Provide
	// also announces over this topic, and Find consults recently-seen
	// gossip before falling back to the DHT.
	GossipTopic string
}

// DefaultConfig mirrors spec.md §6 discovery defaults.
func DefaultConfig() Config {
	return Config{
		FindTimeout:       10 * time.Second,
		FindProviderCount: 20,
		MaxRetries:        3,
		CacheTTL:          5 * time.Minute,
	}
}

type cacheEntry struct {
	providers []peer.AddrInfo
	at        time.Time
}

// Client implements exchange.DiscoveryClient against the DHT, with result
// caching and an optional gossip fast-path.
type Client struct {
	dht *dht.IpfsDHT
	cfg Config
	log zerolog.Logger
	ps  *pubsub.PubSub

	mu    sync.Mutex
	cache map[cid.Cid]cacheEntry
	tries map[cid.Cid]int

	topic *pubsub.Topic
	gmu   sync.Mutex
	gseen map[cid.Cid][]peer.AddrInfo

	rmu    sync.Mutex
	region map[string]*pubsub.Topic
}

// New constructs a Client over an already-bootstrapped DHT. If ps and
// cfg.GossipTopic are both set, the gossip fast-path is enabled.
func New(d *dht.IpfsDHT, ps *pubsub.PubSub, cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.FindTimeout <= 0 {
		cfg = DefaultConfig()
	}
	c := &Client{
		dht:    d,
		cfg:    cfg,
		log:    log,
		ps:     ps,
		cache:  make(map[cid.Cid]cacheEntry),
		tries:  make(map[cid.Cid]int),
		gseen:  make(map[cid.Cid][]peer.AddrInfo),
		region: make(map[string]*pubsub.Topic),
	}
	if ps != nil && cfg.GossipTopic != "" {
		topic, err := ps.Join(cfg.GossipTopic)
		if err != nil {
			return nil, err
		}
		c.topic = topic
		sub, err := topic.Subscribe()
		if err != nil {
			return nil, err
		}
		go c.readGossip(sub)
	}
	return c, nil
}

func (c *Client) readGossip(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(context.Background())
		if err != nil {
			return
		}
		announced, err := cid.Cast(msg.Data)
		if err != nil {
			continue
		}
		from := msg.ReceivedFrom
		c.gmu.Lock()
		c.gseen[announced] = append(c.gseen[announced], peer.AddrInfo{ID: from})
		c.gmu.Unlock()
	}
}

// Provide announces c as locally available: to the DHT, and, if enabled,
// over the gossip fast-path.
func (c *Client) Provide(ctx context.Context, cc cid.Cid) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FindTimeout)
	defer cancel()
	if err := c.dht.Provide(ctx, cc, true); err != nil {
		return err
	}
	if c.topic != nil {
		_ = c.topic.Publish(ctx, cc.Bytes())
	}
	return nil
}

// ProvideRegion announces c the same way Provide does, and additionally
// republishes it over a gossip topic scoped to region, so peers that only
// joined that region's fast-path still see it without a DHT lookup. An
// empty region behaves exactly like Provide.
func (c *Client) ProvideRegion(ctx context.Context, cc cid.Cid, region string) error {
	if err := c.Provide(ctx, cc); err != nil {
		return err
	}
	if region == "" || c.ps == nil || c.cfg.GossipTopic == "" {
		return nil
	}
	topic, err := c.regionTopic(region)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, cc.Bytes())
}

func (c *Client) regionTopic(region string) (*pubsub.Topic, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if t, ok := c.region[region]; ok {
		return t, nil
	}
	t, err := c.ps.Join(c.cfg.GossipTopic + ":" + region)
	if err != nil {
		return nil, err
	}
	c.region[region] = t
	return t, nil
}

// Find locates providers for c, preferring a fresh cache entry or gossip
// hint before issuing a DHT lookup. It applies the discovery queue's retry
// cap: once a CID has failed cfg.MaxRetries DHT lookups in a row with no
// result, Find returns an empty slice immediately rather than retrying
// forever (spec.md §4.G).
func (c *Client) Find(ctx context.Context, cc cid.Cid) ([]peer.AddrInfo, error) {
	if cached, ok := c.fromCache(cc); ok {
		return cached, nil
	}
	if hinted := c.fromGossip(cc); len(hinted) > 0 {
		c.store(cc, hinted)
		return hinted, nil
	}

	c.mu.Lock()
	if c.tries[cc] >= c.cfg.MaxRetries {
		c.mu.Unlock()
		return nil, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FindTimeout)
	defer cancel()

	var out []peer.AddrInfo
	for pi := range c.dht.FindProvidersAsync(ctx, cc, c.cfg.FindProviderCount) {
		out = append(out, pi)
	}

	c.mu.Lock()
	if len(out) == 0 {
		c.tries[cc]++
	} else {
		c.tries[cc] = 0
	}
	c.mu.Unlock()

	c.store(cc, out)
	return out, nil
}

func (c *Client) fromCache(cc cid.Cid) ([]peer.AddrInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[cc]
	if !ok || time.Since(e.at) > c.cfg.CacheTTL {
		return nil, false
	}
	return e.providers, true
}

func (c *Client) fromGossip(cc cid.Cid) []peer.AddrInfo {
	c.gmu.Lock()
	defer c.gmu.Unlock()
	hits := c.gseen[cc]
	if len(hits) == 0 {
		return nil
	}
	out := make([]peer.AddrInfo, len(hits))
	copy(out, hits)
	return out
}

func (c *Client) store(cc cid.Cid, providers []peer.AddrInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[cc] = cacheEntry{providers: providers, at: time.Now()}
}
