package supply

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"
)

// Provider is the narrow slice of a discovery client the Advertiser needs:
// announcing a CID as locally available, scoped to a named region
// (spec.md §4.G/§4.H).
type Provider interface {
	Provide(ctx context.Context, c cid.Cid) error
	ProvideRegion(ctx context.Context, c cid.Cid, region string) error
}

// Config tunes an Advertiser.
type Config struct {
	// Concurrency bounds how many Provide calls run at once.
	Concurrency int
	// ReadvertiseInterval re-announces every previously seen CID on a
	// timer, since DHT provider records expire (spec.md §4.H).
	ReadvertiseInterval time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight and queued
	// work before giving up.
	DrainTimeout time.Duration
	// Regions scopes which named regions this node announces under. A
	// nil/empty slice means the global region only.
	Regions []Region
}

// DefaultConfig mirrors spec.md §6's advertiser defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         10,
		ReadvertiseInterval: 30 * time.Minute,
		DrainTimeout:        5 * time.Second,
	}
}

// Advertiser announces locally-stored content to the discovery layer in the
// background. It is driven by the store's insert hook (spec.md §4.C), so a
// Put anywhere in the node eventually becomes a provider record, without
// blocking the Put itself. Work is deduplicated: a CID already waiting in
// the queue is not queued twice. A CID whose announcement is in flight can
// be queued again.
type Advertiser struct {
	disc   Provider
	cfg    Config
	log    zerolog.Logger
	sem    chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []cid.Cid
	queued   map[cid.Cid]struct{}
	known    map[cid.Cid]struct{} // every CID ever advertised, for readvertising
	stopping bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAdvertiser constructs an Advertiser. Call Start to begin processing.
func NewAdvertiser(disc Provider, cfg Config, log zerolog.Logger) *Advertiser {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.ReadvertiseInterval <= 0 {
		cfg.ReadvertiseInterval = DefaultConfig().ReadvertiseInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	a := &Advertiser{
		disc:   disc,
		cfg:    cfg,
		log:    log,
		sem:    make(chan struct{}, cfg.Concurrency),
		queued: make(map[cid.Cid]struct{}),
		known:  make(map[cid.Cid]struct{}),
		stopCh: make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Enqueue schedules c for announcement, skipping it if already queued. It
// never blocks, so it is safe to register directly as a store.InsertHook.
func (a *Advertiser) Enqueue(c cid.Cid) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return
	}
	if _, ok := a.queued[c]; ok {
		return
	}
	a.queued[c] = struct{}{}
	a.queue = append(a.queue, c)
	a.cond.Signal()
}

// Regions reports the named regions this advertiser's content should be
// scoped to, resolving to the global region when none were configured.
func (a *Advertiser) Regions() []Region {
	if len(a.cfg.Regions) == 0 {
		return []Region{Regions["Global"]}
	}
	return a.cfg.Regions
}

// Start launches the dispatch loop and the readvertising ticker.
func (a *Advertiser) Start() {
	a.wg.Add(2)
	go a.dispatchLoop()
	go a.readvertiseLoop()
}

// Stop signals the Advertiser to drain and wait up to cfg.DrainTimeout for
// outstanding work before returning.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()
	close(a.stopCh)
	a.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.DrainTimeout):
		a.log.Warn().Msg("advertiser: drain timeout exceeded, stopping with work outstanding")
	}
}

func (a *Advertiser) dispatchLoop() {
	defer a.wg.Done()
	for {
		c, ok := a.dequeue()
		if !ok {
			return
		}
		a.sem <- struct{}{}
		a.wg.Add(1)
		go func(c cid.Cid) {
			defer a.wg.Done()
			defer func() { <-a.sem }()
			a.advertise(c)
		}(c)
	}
}

// dequeue blocks until work is available or Stop has been called with an
// empty queue.
func (a *Advertiser) dequeue() (cid.Cid, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.queue) == 0 {
		if a.stopping {
			return cid.Undef, false
		}
		a.cond.Wait()
	}
	c := a.queue[0]
	a.queue = a.queue[1:]
	delete(a.queued, c)
	return c, true
}

func (a *Advertiser) advertise(c cid.Cid) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ok := true
	for _, r := range a.Regions() {
		if err := a.disc.ProvideRegion(ctx, c, r.Name); err != nil {
			a.log.Debug().Err(err).Str("cid", c.String()).Str("region", r.Name).Msg("advertiser: provide failed")
			ok = false
		}
	}
	if !ok {
		return
	}
	a.mu.Lock()
	a.known[c] = struct{}{}
	a.mu.Unlock()
}

func (a *Advertiser) readvertiseLoop() {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.ReadvertiseInterval)
	defer t.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-t.C:
			a.mu.Lock()
			cids := make([]cid.Cid, 0, len(a.known))
			for c := range a.known {
				cids = append(cids, c)
			}
			a.mu.Unlock()
			for _, c := range cids {
				a.Enqueue(c)
			}
		}
	}
}
