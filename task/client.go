package task

// Client receives the state of one task every time it changes. Updates is
// closed after the terminal state was delivered or the client was cancelled.
// Intermediate states may be coalesced for slow readers.
type Client struct {
	Updates chan *Snapshot
	Id      uint32
	taskID  uint64
	closed  bool
	ledger  *Ledger
}

func (c *Client) TaskID() uint64 {
	return c.taskID
}

// Cancel stops deliveries to the client.
func (c *Client) Cancel() {
	c.ledger.unsubscribe(c)
}

// send replaces any unread snapshot with s. Only the loop sends, so the
// second send always finds room.
func (c *Client) send(s *Snapshot) {
	if c.closed {
		return
	}

	select {
	case c.Updates <- s:
		return
	default:
	}

	select {
	case <-c.Updates:
	default:
	}

	c.Updates <- s
}

func (c *Client) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.Updates)
}
