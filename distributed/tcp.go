package distributed

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-reslt/internal/wire"
)

// TCPBackend connects workers in a star around rank 0, which listens on
// the rendezvous address tcp://host:port
const TCPBackend = "tcp"

// Frame fields
const (
	frameFieldRank      protowire.Number = 1
	frameFieldWorldSize protowire.Number = 2
	frameFieldData      protowire.Number = 3
	frameFieldError     protowire.Number = 4
)

const (
	maxFrameSize = 1 << 30
	dialInterval = 100 * time.Millisecond
)

func init() {
	RegisterBackend(TCPBackend, joinTCP)
}

type frame struct {
	rank      int
	worldSize int
	data      []float64
	err       string
}

func (f frame) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, frameFieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.rank))
	b = protowire.AppendTag(b, frameFieldWorldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.worldSize))
	if f.data != nil {
		b = wire.AppendDoubles(b, frameFieldData, f.data)
	}
	if f.err != "" {
		b = protowire.AppendTag(b, frameFieldError, protowire.BytesType)
		b = protowire.AppendString(b, f.err)
	}
	return b
}

func (f *frame) unmarshal(msg []byte) error {
	return wire.Range(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case (num == frameFieldRank || num == frameFieldWorldSize) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == frameFieldRank {
				f.rank = int(v)
			} else {
				f.worldSize = int(v)
			}
			return n, nil
		case num == frameFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			data, err := wire.ConsumeDoubles(v)
			if err != nil {
				return 0, err
			}
			f.data = data
			return n, nil
		case num == frameFieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.err = v
			return n, nil
		}
		return wire.Skip(num, typ, b)
	})
}

// peer is one framed connection
type peer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(f frame) error {
	msg := f.marshal()
	b := protowire.AppendVarint(make([]byte, 0, len(msg)+binary.MaxVarintLen64), uint64(len(msg)))
	_, err := p.conn.Write(append(b, msg...))
	return err
}

func (p *peer) recv() (frame, error) {
	size, err := binary.ReadUvarint(p.r)
	if err != nil {
		return frame{}, err
	}
	if size > maxFrameSize {
		return frame{}, errors.Errorf("frame of %d bytes exceeds limit", size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(p.r, msg); err != nil {
		return frame{}, err
	}
	var f frame
	if err := f.unmarshal(msg); err != nil {
		return frame{}, errors.Wrap(err, "corrupt frame")
	}
	if f.err != "" {
		return f, errors.Errorf("peer rank %d failed: %s", f.rank, f.err)
	}
	return f, nil
}

// tcpGroup is a member of a star group. Rank 0 holds a peer per other
// rank; every other rank holds a single peer to rank 0.
type tcpGroup struct {
	rank      int
	worldSize int
	peers     []*peer // indexed by rank on rank 0; peers[0] elsewhere
}

func joinTCP(ctx context.Context, url string, worldSize, rank int) (ProcessGroup, error) {
	addr, ok := strings.CutPrefix(url, TCPBackend+"://")
	if !ok || addr == "" {
		return nil, errors.Errorf("tcp rendezvous URL must look like tcp://host:port, got %q", url)
	}
	g := &tcpGroup{rank: rank, worldSize: worldSize}
	if worldSize == 1 {
		return g, nil
	}
	if rank == 0 {
		return g, g.accept(ctx, addr)
	}
	return g, g.dial(ctx, addr)
}

// accept waits for every other rank and acknowledges the completed group
func (g *tcpGroup) accept(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	g.peers = make([]*peer, g.worldSize)
	for joined := 1; joined < g.worldSize; {
		conn, err := ln.Accept()
		if err != nil {
			g.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p := newPeer(conn)
		unblock := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
		hello, err := p.recv()
		unblock()
		if err != nil {
			conn.Close()
			g.Close()
			return errors.Wrap(err, "rendezvous handshake failed")
		}
		switch {
		case hello.worldSize != g.worldSize:
			err = errors.Errorf("rank %d expects world size %d, group has %d", hello.rank, hello.worldSize, g.worldSize)
		case hello.rank <= 0 || hello.rank >= g.worldSize:
			err = errors.Errorf("rank %d outside world of size %d", hello.rank, g.worldSize)
		case g.peers[hello.rank] != nil:
			err = errors.Errorf("rank %d already joined", hello.rank)
		}
		if err != nil {
			p.send(frame{rank: 0, worldSize: g.worldSize, err: err.Error()})
			conn.Close()
			g.Close()
			return err
		}
		g.peers[hello.rank] = p
		joined++
	}

	for _, p := range g.peers[1:] {
		if err := p.send(frame{rank: 0, worldSize: g.worldSize}); err != nil {
			g.Close()
			return err
		}
	}
	return nil
}

// dial connects to rank 0, retrying until it listens or ctx ends
func (g *tcpGroup) dial(ctx context.Context, addr string) error {
	var d net.Dialer
	var conn net.Conn
	for {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "rendezvous %s unreachable", addr)
		case <-time.After(dialInterval):
		}
	}

	p := newPeer(conn)
	g.peers = []*peer{p}
	err := g.withDeadline(ctx, func() error {
		if err := p.send(frame{rank: g.rank, worldSize: g.worldSize}); err != nil {
			return err
		}
		_, err := p.recv()
		return err
	})
	if err != nil {
		g.Close()
		return errors.Wrap(err, "rendezvous handshake failed")
	}
	return nil
}

// withDeadline runs fn with every connection unblocked when ctx ends
func (g *tcpGroup) withDeadline(ctx context.Context, fn func() error) error {
	peers := g.peers
	stop := context.AfterFunc(ctx, func() {
		for _, p := range peers {
			if p != nil {
				p.conn.SetDeadline(time.Now())
			}
		}
	})
	defer stop()
	err := fn()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (g *tcpGroup) Rank() int      { return g.rank }
func (g *tcpGroup) WorldSize() int { return g.worldSize }

// AllReduce gathers every rank's data on rank 0, sums in rank order and
// sends the result back
func (g *tcpGroup) AllReduce(ctx context.Context, data []float64) error {
	if g.worldSize == 1 {
		return nil
	}
	if data == nil {
		data = []float64{}
	}
	return g.withDeadline(ctx, func() error {
		if g.rank != 0 {
			if err := g.peers[0].send(frame{rank: g.rank, worldSize: g.worldSize, data: data}); err != nil {
				return err
			}
			res, err := g.peers[0].recv()
			if err != nil {
				return err
			}
			if len(res.data) != len(data) {
				return errors.Errorf("reduced %d elements, sent %d", len(res.data), len(data))
			}
			copy(data, res.data)
			return nil
		}

		sum := append([]float64(nil), data...)
		var reduceErr error
		for r := 1; r < g.worldSize; r++ {
			f, err := g.peers[r].recv()
			if err != nil {
				return errors.Wrapf(err, "rank %d", r)
			}
			if len(f.data) != len(data) && reduceErr == nil {
				reduceErr = errors.Errorf("rank %d reduced %d elements, rank 0 %d", r, len(f.data), len(data))
			}
			for i := range sum {
				if i < len(f.data) {
					sum[i] += f.data[i]
				}
			}
		}
		reply := frame{rank: 0, worldSize: g.worldSize, data: sum}
		if reduceErr != nil {
			reply = frame{rank: 0, worldSize: g.worldSize, err: reduceErr.Error()}
		}
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].send(reply); err != nil {
				return errors.Wrapf(err, "rank %d", r)
			}
		}
		if reduceErr != nil {
			return reduceErr
		}
		copy(data, sum)
		return nil
	})
}

func (g *tcpGroup) Barrier(ctx context.Context) error {
	return g.AllReduce(ctx, nil)
}

func (g *tcpGroup) Close() error {
	var first error
	for _, p := range g.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	g.peers = nil
	return first
}
