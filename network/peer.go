package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/drpcorg/sharedtree/protocol"
)

const readChunk = 1 << 14

// Peer runs one connection: a read loop draining records into the handler
// and a write loop sending whatever the handler feeds.
type Peer struct {
	name          string
	conn          net.Conn
	inout         protocol.FeedDrainCloser
	writeTimeout  time.Duration
	maxRecordSize int

	readBytes    atomic.Int64
	writtenBytes atomic.Int64
}

func (p *Peer) Name() string {
	return p.name
}

// Traffic reports the bytes read and written so far.
func (p *Peer) Traffic() (read, written int64) {
	return p.readBytes.Load(), p.writtenBytes.Load()
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		n, err := p.conn.Read(chunk)
		if n > 0 {
			p.readBytes.Add(int64(n))
			buf.Write(chunk[:n])
			recs, serr := protocol.Split(&buf)
			if len(recs) > 0 {
				if derr := p.inout.Drain(ctx, recs); derr != nil {
					if ctx.Err() != nil {
						return nil
					}
					return derr
				}
			}
			if serr != nil {
				return serr
			}
			if buf.Len() > p.maxRecordSize {
				return ErrRecordTooLarge
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if len(recs) > 0 {
			if p.writeTimeout != 0 {
				_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			}
			b := net.Buffers(recs)
			n, werr := b.WriteTo(p.conn)
			p.writtenBytes.Add(n)
			if werr != nil {
				return werr
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Keep runs both loops until either ends or ctx is done. The connection is
// closed on the way out, which also stops the other loop.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErr, writeErr := make(chan error, 1), make(chan error, 1)
	go func() { readErr <- p.keepRead(ctx) }()
	go func() { writeErr <- p.keepWrite(ctx) }()

	readDone, writeDone, closed := false, false, false
	done := ctx.Done()
	for !readDone || !writeDone {
		select {
		case rerr = <-readErr:
			readDone = true
		case werr = <-writeErr:
			writeDone = true
		case <-done:
			done = nil
		}
		if !closed {
			closed = true
			cancel()
			cerr = p.conn.Close()
		}
	}
	if errors.Is(rerr, net.ErrClosed) {
		rerr = nil
	}
	return
}
