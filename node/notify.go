package node

// Event is the tagged union a Node emits through its notify callback,
// playing the role of the teacher's Notify (node/popn.go's nd.send): at
// most one field is set per Event. The teacher's full set also carried
// Add/Pack/Quote/Push/Commit results for its Filecoin storage-deal CLI;
// those flows have no equivalent here, so this set is narrowed to what a
// block-exchange node actually reports.
type Event struct {
	PingResult    *PingResult
	GetResult     *GetResult
	VoucherResult *VoucherResult
}

// PingResult reports the outcome of a Ping call.
type PingResult struct {
	ID             string
	Addrs          []string
	Peers          []string
	LatencySeconds float64
	Err            string
}

// GetResult reports the outcome of a Get call.
type GetResult struct {
	Address string
	Size    int
	Err     string
}

// VoucherResult reports the outcome of an applied payment voucher.
type VoucherResult struct {
	From   string
	To     string
	Lane   uint64
	Amount string
	Err    string
}

// send delivers n to the registered notify callback, if any, otherwise it
// is dropped (logged at debug level, mirroring the teacher's "nil notify
// callback; dropping").
func (n *Node) send(e Event) {
	n.mu.Lock()
	cb := n.notify
	n.mu.Unlock()

	if cb != nil {
		cb(e)
		return
	}
	n.log.Debug().Interface("event", e).Msg("node: nil notify callback; dropping")
}

// SetNotifyCallback registers cb to receive every Event this node emits.
// Only one callback is kept at a time, mirroring the teacher's single
// nd.notify field.
func (n *Node) SetNotifyCallback(cb func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notify = cb
}
