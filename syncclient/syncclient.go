// Package syncclient implements the node-side half of the external test
// Synchronizer protocol (spec.md §6): a separate harness process that
// gates startup and measures phase completion across the whole cluster.
// TCP framing is out of scope per spec.md §1 Non-goals, so Conn is kept
// as a small interface a real net.Conn-backed implementation or an
// in-memory test double can both satisfy.
//
// Grounded in original_source/node/src/syncer.rs: the node-facing half of
// that file's SyncState enum and its ALIVE -> START -> CompletedSharing
// -> StartRecon -> CompletedRecon -> COMPLETED -> STOP lifecycle, kept
// here as the symmetric client rather than reimplementing the
// aggregating server the original's Syncer::run loop drives (that
// harness is the external collaborator, not part of this core).
package syncclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/dagbft/wire"
)

// State is one phase of the Synchronizer lifecycle (spec.md §6).
type State string

const (
	Alive            State = "alive"
	Start            State = "start"
	Started          State = "started"
	CompletedSharing State = "completed_sharing"
	StartRecon       State = "start_recon"
	CompletedRecon   State = "completed_recon"
	Completed        State = "completed"
	Stop             State = "stop"
)

// SyncMsg is the wire shape exchanged with the Synchronizer harness
// (spec.md §6 "SyncMsg{sender, state, value}"), JSON-encoded matching
// this module's wire package codec choice rather than a bespoke framing.
type SyncMsg struct {
	Sender wire.Replica `json:"sender"`
	State  State        `json:"state"`
	Value  uint64       `json:"value"`
}

// Conn abstracts the newline-delimited JSON connection to the
// Synchronizer process. A real implementation wraps a net.Conn; NewPipe
// below provides an in-memory pair for tests.
type Conn interface {
	Send(SyncMsg) error
	Recv() (SyncMsg, error)
	Close() error
}

// jsonConn frames SyncMsg values as newline-delimited JSON over an
// io.ReadWriteCloser, matching the teacher's preference for a
// self-delimiting JSON codec over a hand-rolled length prefix.
type jsonConn struct {
	rwc io.ReadWriteCloser
	enc *json.Encoder
	dec *json.Decoder
	mu  sync.Mutex
}

// NewConn wraps rwc (typically a *net.TCPConn) as a Conn.
func NewConn(rwc io.ReadWriteCloser) Conn {
	return &jsonConn{
		rwc: rwc,
		enc: json.NewEncoder(rwc),
		dec: json.NewDecoder(bufio.NewReader(rwc)),
	}
}

func (c *jsonConn) Send(msg SyncMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("syncclient: encode: %w", err)
	}
	return nil
}

func (c *jsonConn) Recv() (SyncMsg, error) {
	var msg SyncMsg
	if err := c.dec.Decode(&msg); err != nil {
		return SyncMsg{}, fmt.Errorf("syncclient: decode: %w", err)
	}
	return msg, nil
}

func (c *jsonConn) Close() error { return c.rwc.Close() }

// Pipe is an in-memory Conn pair used by tests in place of a real
// Synchronizer TCP connection.
type Pipe struct {
	out chan SyncMsg
	in  chan SyncMsg
}

// NewPipe returns two ends of an in-memory connection: messages sent on
// one end are received on the other.
func NewPipe(buf int) (a, b Conn) {
	c1, c2 := make(chan SyncMsg, buf), make(chan SyncMsg, buf)
	return &pipeEnd{send: c1, recv: c2}, &pipeEnd{send: c2, recv: c1}
}

type pipeEnd struct {
	send chan SyncMsg
	recv chan SyncMsg
	once sync.Once
}

func (p *pipeEnd) Send(msg SyncMsg) error {
	p.send <- msg
	return nil
}

func (p *pipeEnd) Recv() (SyncMsg, error) {
	msg, ok := <-p.recv
	if !ok {
		return SyncMsg{}, io.EOF
	}
	return msg, nil
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.send) })
	return nil
}

// Client is the node-side handle to the Synchronizer connection: it
// reports lifecycle events and can block waiting for a broadcast gating
// state (spec.md §6 "nodes ... may gate startup on a broadcast Start").
type Client struct {
	myID wire.Replica
	conn Conn
}

// NewClient builds a Client reporting as myID over conn.
func NewClient(myID wire.Replica, conn Conn) *Client {
	return &Client{myID: myID, conn: conn}
}

func (c *Client) report(state State, value uint64) error {
	return c.conn.Send(SyncMsg{Sender: c.myID, State: state, Value: value})
}

// ReportAlive tells the Synchronizer this node is up (original's ALIVE).
func (c *Client) ReportAlive() error { return c.report(Alive, 0) }

// ReportStarted acknowledges a received Start and that this node has
// begun the protocol (original's STARTED).
func (c *Client) ReportStarted() error { return c.report(Started, 0) }

// ReportCompletedSharing reports that this node finished the sharing
// phase, carrying its BAA/coin-derived value for the harness's
// cross-node comparison (original's CompletedSharing).
func (c *Client) ReportCompletedSharing(value uint64) error {
	return c.report(CompletedSharing, value)
}

// ReportCompletedRecon reports that this node finished reconstruction
// (original's CompletedRecon).
func (c *Client) ReportCompletedRecon() error { return c.report(CompletedRecon, 0) }

// ReportCompleted reports final completion with this node's observed
// value (original's COMPLETED).
func (c *Client) ReportCompleted(value uint64) error { return c.report(Completed, value) }

// WaitFor blocks, discarding unrelated messages, until a message in
// `want` is received from the Synchronizer, returning it.
func (c *Client) WaitFor(want ...State) (SyncMsg, error) {
	wantSet := make(map[State]bool, len(want))
	for _, s := range want {
		wantSet[s] = true
	}
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			return SyncMsg{}, err
		}
		if wantSet[msg.State] {
			return msg, nil
		}
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
