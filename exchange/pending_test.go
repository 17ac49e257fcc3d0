package exchange

import (
	"testing"
	"time"

	"github.com/archivist-project/blockexc/address"
	"github.com/stretchr/testify/require"
)

func mkAddr(t *testing.T, data string) address.Address {
	t.Helper()
	c, err := address.ComputeCID(address.CodecRaw, address.HashSHA256, []byte(data))
	require.NoError(t, err)
	return address.Direct(c)
}

func TestPendingRequestsSingleFlight(t *testing.T) {
	p := NewPendingRequests()
	addr := mkAddr(t, "shared")

	_, ch1, joined1 := p.Request(addr, time.Minute)
	require.False(t, joined1)

	_, ch2, joined2 := p.Request(addr, time.Minute)
	require.True(t, joined2, "second caller must join the existing campaign")

	blk := &address.Block{Cid: addr.CID(), Data: []byte("shared")}
	p.Complete(addr, Result{Outcome: OutcomeBlock, Block: blk})

	r1 := <-ch1
	r2 := <-ch2
	require.Equal(t, OutcomeBlock, r1.Outcome)
	require.Equal(t, OutcomeBlock, r2.Outcome)
	require.False(t, p.Has(addr))
}

func TestPendingRequestsCancelOneOfMany(t *testing.T) {
	p := NewPendingRequests()
	addr := mkAddr(t, "multi")

	tok1, ch1, _ := p.Request(addr, time.Minute)
	_, ch2, joined := p.Request(addr, time.Minute)
	require.True(t, joined)

	last := p.Cancel(addr, tok1)
	require.False(t, last)
	require.True(t, p.Has(addr))

	_, ok := <-ch1
	require.False(t, ok, "cancelled waiter's channel must be closed with no result")

	p.Complete(addr, Result{Outcome: OutcomeBlock})
	r2 := <-ch2
	require.Equal(t, OutcomeBlock, r2.Outcome)
}

func TestPendingRequestsTimeoutSweep(t *testing.T) {
	p := NewPendingRequests()
	addr := mkAddr(t, "slow")

	_, ch, _ := p.Request(addr, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	expired := p.TimeoutSweep(time.Now())
	require.Len(t, expired, 1)
	require.Equal(t, addr, expired[0])

	r := <-ch
	require.Equal(t, OutcomeTimeout, r.Outcome)
	require.False(t, p.Has(addr))
}

func TestPendingRequestsCancelAllAbortsEveryWaiter(t *testing.T) {
	p := NewPendingRequests()
	addr1 := mkAddr(t, "shutdown-1")
	addr2 := mkAddr(t, "shutdown-2")

	_, ch1, _ := p.Request(addr1, time.Minute)
	_, ch2a, _ := p.Request(addr2, time.Minute)
	_, ch2b, joined := p.Request(addr2, time.Minute)
	require.True(t, joined)

	p.CancelAll()

	r1 := <-ch1
	require.Equal(t, OutcomeCancelled, r1.Outcome)
	r2a := <-ch2a
	require.Equal(t, OutcomeCancelled, r2a.Outcome)
	r2b := <-ch2b
	require.Equal(t, OutcomeCancelled, r2b.Outcome)

	require.False(t, p.Has(addr1))
	require.False(t, p.Has(addr2))
}
