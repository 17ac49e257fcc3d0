package supply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu      sync.Mutex
	seen    []cid.Cid
	regions []string
	delay   time.Duration
}

func (f *fakeProvider) Provide(ctx context.Context, c cid.Cid) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.seen = append(f.seen, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) ProvideRegion(ctx context.Context, c cid.Cid, region string) error {
	f.mu.Lock()
	f.regions = append(f.regions, region)
	f.mu.Unlock()
	return f.Provide(ctx, c)
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *fakeProvider) regionNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.regions...)
}

func testCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	digest, err := mh.Sum([]byte(s), mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, digest)
}

func TestAdvertiserEnqueueDeduplicates(t *testing.T) {
	fp := &fakeProvider{delay: 50 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	a := NewAdvertiser(fp, cfg, zerolog.Nop())
	a.Start()
	defer a.Stop()

	c := testCID(t, "dup")
	a.Enqueue(c)
	a.Enqueue(c)
	a.Enqueue(c)

	require.Eventually(t, func() bool { return fp.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAdvertiserConcurrencyBound(t *testing.T) {
	fp := &fakeProvider{delay: 100 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	a := NewAdvertiser(fp, cfg, zerolog.Nop())
	a.Start()
	defer a.Stop()

	for i := 0; i < 5; i++ {
		a.Enqueue(testCID(t, string(rune('a'+i))))
	}

	require.Eventually(t, func() bool { return fp.count() == 5 }, 2*time.Second, 20*time.Millisecond)
}

func TestAdvertiserStopDrainsQueue(t *testing.T) {
	fp := &fakeProvider{}
	cfg := DefaultConfig()
	a := NewAdvertiser(fp, cfg, zerolog.Nop())
	a.Start()

	a.Enqueue(testCID(t, "x"))
	time.Sleep(20 * time.Millisecond)
	a.Stop()

	require.Equal(t, 1, fp.count())
}

func TestAdvertiserScopesToConfiguredRegions(t *testing.T) {
	fp := &fakeProvider{}
	cfg := DefaultConfig()
	cfg.Regions = ParseRegions([]string{"Asia", "Europe"})
	a := NewAdvertiser(fp, cfg, zerolog.Nop())
	a.Start()
	defer a.Stop()

	a.Enqueue(testCID(t, "region-scoped"))

	require.Eventually(t, func() bool { return fp.count() == 2 }, time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"Asia", "Europe"}, fp.regionNames())
}

func TestAdvertiserDefaultsToGlobalRegion(t *testing.T) {
	fp := &fakeProvider{}
	cfg := DefaultConfig()
	a := NewAdvertiser(fp, cfg, zerolog.Nop())
	a.Start()
	defer a.Stop()

	a.Enqueue(testCID(t, "unscoped"))

	require.Eventually(t, func() bool { return fp.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"Global"}, fp.regionNames())
}
