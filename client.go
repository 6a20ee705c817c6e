package zcipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/tobiasstarkwayve/zcipc/internal/capro"
	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
	"github.com/tobiasstarkwayve/zcipc/internal/shm"
	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

// NewPortRef draws a fresh, process-unique port identity. Two processes
// racing to create a port never collide because the draw is a UUID
// split across the wire format's segment and offset fields, not an
// incrementing counter a second process could also reach.
func NewPortRef() protocol.PortRef {
	id := uuid.New()
	return protocol.PortRef{
		Segment: binary.BigEndian.Uint32(id[0:4]),
		Offset:  binary.BigEndian.Uint64(id[4:12]),
	}
}

// registerRequest and registerResponse mirror cmd/roudi's own wire
// types for the Unix-socket handshake. The two sides are independent
// binaries agreeing only on JSON field names, exactly as spec §6
// describes the broker connection protocol; there is no shared Go type
// to import between a library and the daemon that embeds it.
type registerRequest struct {
	ProcessID string `json:"process_id"`
}

type registerResponse struct {
	ClientID          string   `json:"client_id"`
	Segments          []string `json:"segments"`
	DiscoveryChannel  string   `json:"discovery_channel"`
	DiscoveryCapacity uint64   `json:"discovery_capacity"`
}

// Connection is a client process's live handle to a roudi broker: the
// control socket, kept open afterward only for keepalive/deregister per
// spec §6, and the mapping backing its discovery channel.
type Connection struct {
	conn       net.Conn
	channelSeg *shm.Segment
	ClientID   string
}

// Connect performs the REGISTER handshake against a roudi broker
// listening on socketPath, attaches every segment it names plus the
// discovery channel it provisions for this process, and returns a
// ready-to-use Runtime. processID identifies this process in the
// broker's logs; it carries no other meaning.
func Connect(ctx context.Context, socketPath, processID string) (*Runtime, *Connection, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, nil, newError(ErrCodeSegmentUnavailable, "Connect", fmt.Errorf("dial %s: %w", socketPath, err))
	}

	if err := json.NewEncoder(conn).Encode(registerRequest{ProcessID: processID}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("zcipc: Connect: register: %w", err)
	}
	var resp registerResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("zcipc: Connect: register response: %w", err)
	}

	table := shmaddr.NewTable()
	var seg *Segment
	for _, name := range resp.Segments {
		s, err := AttachSegment(table, name)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		if seg == nil {
			seg = s
		}
	}
	if seg == nil {
		conn.Close()
		return nil, nil, newError(ErrCodeSegmentUnavailable, "Connect", fmt.Errorf("broker offered no segments"))
	}

	channelSeg, err := shm.Open(resp.DiscoveryChannel, int(capro.ChannelSize(resp.DiscoveryCapacity)))
	if err != nil {
		conn.Close()
		return nil, nil, newError(ErrCodeSegmentUnavailable, "Connect", err)
	}
	ch := capro.AttachChannel(uintptr(channelSeg.Base()), resp.DiscoveryCapacity, nil)
	if ch == nil {
		channelSeg.Close()
		conn.Close()
		return nil, nil, newError(ErrCodeSegmentUnavailable, "Connect", fmt.Errorf("discovery channel %s did not initialize", resp.DiscoveryChannel))
	}

	rt := NewRuntime(seg, ch)
	return rt, &Connection{conn: conn, channelSeg: channelSeg, ClientID: resp.ClientID}, nil
}

// Close unmaps this process's discovery channel and ends the control
// connection. It does not detach any segment: a Runtime's segment
// mapping outlives the handshake socket, since loaned chunks may still
// be in flight.
func (c *Connection) Close() error {
	err := c.channelSeg.Close()
	if cerr := c.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
