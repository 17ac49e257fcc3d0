package node

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseMultiaddrsDefaultsToEphemeralTCP(t *testing.T) {
	addrs, err := parseMultiaddrs(nil)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "/ip4/0.0.0.0/tcp/0", addrs[0].String())
}

func TestParseMultiaddrsRejectsBadAddr(t *testing.T) {
	_, err := parseMultiaddrs([]string{"not-a-multiaddr"})
	require.Error(t, err)
}

func TestParseMultiaddrsPassesThroughValid(t *testing.T) {
	addrs, err := parseMultiaddrs([]string{"/ip4/127.0.0.1/tcp/4001"})
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "/ip4/127.0.0.1/tcp/4001", addrs[0].String())
}

func TestSendDeliversToRegisteredCallback(t *testing.T) {
	n := &Node{log: zerolog.Nop()}

	got := make(chan Event, 1)
	n.SetNotifyCallback(func(e Event) { got <- e })

	n.send(Event{PingResult: &PingResult{ID: "self"}})

	select {
	case e := <-got:
		require.NotNil(t, e.PingResult)
		require.Equal(t, "self", e.PingResult.ID)
	default:
		t.Fatal("callback was not invoked")
	}
}

func TestSendWithoutCallbackDoesNotPanic(t *testing.T) {
	n := &Node{log: zerolog.Nop()}
	require.NotPanics(t, func() {
		n.send(Event{PingResult: &PingResult{ID: "self"}})
	})
}
