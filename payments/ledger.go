// Package payments implements a self-contained, off-chain ledger backing
// the opaque account/payment fields of the exchange wire protocol
// (spec.md §3, §6). It replaces the chain-actor payment-channel lifecycle
// the teacher modeled (create/addFunds/settle against a Filecoin paych
// actor) with direct, in-process accounting: a deposit credits an account,
// and each voucher a peer presents is a signed, monotonically increasing
// claim against that credit. Signing and on-chain settlement are out of
// scope here; this package only tracks who owes what.
package payments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	cborutil "github.com/filecoin-project/go-cbor-util"
	filaddr "github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/hannahhoward/go-pubsub"
	"github.com/ipfs/go-datastore"
)

// ErrInsufficientFunds is returned when a voucher claims more than its
// payer has deposited and not yet redeemed.
var ErrInsufficientFunds = errors.New("payments: insufficient funds")

// ErrStaleVoucher is returned when a voucher's nonce does not advance the
// lane, or its cumulative amount does not exceed what was already applied.
var ErrStaleVoucher = errors.New("payments: stale voucher")

type laneKey struct {
	from string
	to   string
	lane uint64
}

func (k laneKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.from, k.to, k.lane)
}

func keyOf(v *Voucher) laneKey {
	return laneKey{from: v.From.String(), to: v.To.String(), lane: v.Lane}
}

// multiLock serializes operations on one lane while still allowing
// unrelated lanes to proceed concurrently. Every lane operation also holds
// the global lock for reading; nothing in this package takes it
// exclusively. Adapted from the teacher's per-channel multiLock
// (payments/channel.go).
type multiLock struct {
	global sync.RWMutex
	lanes  sync.Map // laneKey -> *sync.Mutex
}

func (l *multiLock) laneMutex(k laneKey) *sync.Mutex {
	v, _ := l.lanes.LoadOrStore(k, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (l *multiLock) lockLane(k laneKey) func() {
	mu := l.laneMutex(k)
	mu.Lock()
	l.global.RLock()
	return func() {
		l.global.RUnlock()
		mu.Unlock()
	}
}

// appliedEvt is published whenever ApplyVoucher succeeds.
type appliedEvt struct {
	voucher *Voucher
	delta   big.Int
}

type subscriberFn func(appliedEvt)

// listeners mirrors the teacher's msgListeners: a typed wrapper around
// go-pubsub for fanning out ledger events to in-process subscribers (e.g.
// the engine crediting a peer's presence price, or a CLI watching for a
// settlement).
type listeners struct {
	ps *pubsub.PubSub
}

func newListeners() listeners {
	ps := pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
		evt, ok := event.(appliedEvt)
		if !ok {
			return fmt.Errorf("payments: wrong event type")
		}
		sub, ok := subFn.(subscriberFn)
		if !ok {
			return fmt.Errorf("payments: wrong subscriber type")
		}
		sub(evt)
		return nil
	})
	return listeners{ps: ps}
}

// OnApplied registers cb to run whenever any voucher is applied.
func (l *listeners) OnApplied(cb func(v *Voucher, delta big.Int)) pubsub.Unsubscribe {
	var fn subscriberFn = func(evt appliedEvt) { cb(evt.voucher, evt.delta) }
	return l.ps.Subscribe(fn)
}

func (l *listeners) fireApplied(v *Voucher, delta big.Int) {
	if err := l.ps.Publish(appliedEvt{voucher: v, delta: delta}); err != nil {
		// Publish only errors on a malformed subscriber, which would be a
		// programming error in this package, not a caller's fault.
		panic(err)
	}
}

// Ledger tracks per-account deposits and per-lane redemption state. It is
// safe for concurrent use.
type Ledger struct {
	lock    multiLock
	ds      datastore.Datastore
	notify  listeners
	depMu   sync.Mutex
	deposit map[string]big.Int
}

// New constructs a Ledger persisting lane state to ds.
func New(ds datastore.Datastore) *Ledger {
	return &Ledger{
		ds:      ds,
		notify:  newListeners(),
		deposit: make(map[string]big.Int),
	}
}

// OnApplied subscribes to every successfully applied voucher.
func (l *Ledger) OnApplied(cb func(v *Voucher, delta big.Int)) pubsub.Unsubscribe {
	return l.notify.OnApplied(cb)
}

// Deposit credits from's available balance, standing in for the teacher's
// on-chain create/addFunds flow.
func (l *Ledger) Deposit(ctx context.Context, from filaddr.Address, amt big.Int) {
	l.depMu.Lock()
	defer l.depMu.Unlock()
	cur, ok := l.deposit[from.String()]
	if !ok {
		cur = big.Zero()
	}
	l.deposit[from.String()] = big.Add(cur, amt)
}

// Balance reports from's undrawn deposit.
func (l *Ledger) Balance(from filaddr.Address) big.Int {
	l.depMu.Lock()
	defer l.depMu.Unlock()
	cur, ok := l.deposit[from.String()]
	if !ok {
		return big.Zero()
	}
	return cur
}

func (l *Ledger) debit(from filaddr.Address, amt big.Int) error {
	l.depMu.Lock()
	defer l.depMu.Unlock()
	cur, ok := l.deposit[from.String()]
	if !ok {
		cur = big.Zero()
	}
	if cur.LessThan(amt) {
		return ErrInsufficientFunds
	}
	l.deposit[from.String()] = big.Sub(cur, amt)
	return nil
}

// ApplyVoucher validates and applies v against its lane, debiting the
// incremental amount from v.From's deposit. It returns the incremental
// amount newly redeemed by this call (v.Amount minus whatever was already
// redeemed on the lane).
func (l *Ledger) ApplyVoucher(ctx context.Context, v *Voucher) (big.Int, error) {
	k := keyOf(v)
	unlock := l.lock.lockLane(k)
	defer unlock()

	prev, err := l.loadLane(ctx, k)
	if err != nil {
		return big.Zero(), err
	}
	if prev != nil {
		if v.Nonce <= prev.Nonce || v.Amount.LessThanEqual(prev.Amount) {
			return big.Zero(), ErrStaleVoucher
		}
	}

	base := big.Zero()
	if prev != nil {
		base = prev.Amount
	}
	delta := big.Sub(v.Amount, base)

	if err := l.debit(v.From, delta); err != nil {
		return big.Zero(), err
	}
	if err := l.storeLane(ctx, k, v); err != nil {
		return big.Zero(), err
	}

	l.notify.fireApplied(v, delta)
	return delta, nil
}

func (l *Ledger) loadLane(ctx context.Context, k laneKey) (*Voucher, error) {
	raw, err := l.ds.Get(datastore.NewKey(k.String()))
	if err != nil {
		if err == datastore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	v := &Voucher{}
	if err := cborutil.ReadCborRPC(bytes.NewReader(raw), v); err != nil {
		return nil, err
	}
	return v, nil
}

func (l *Ledger) storeLane(ctx context.Context, k laneKey, v *Voucher) error {
	var buf bytes.Buffer
	if err := cborutil.WriteCborRPC(&buf, v); err != nil {
		return err
	}
	return l.ds.Put(datastore.NewKey(k.String()), buf.Bytes())
}
