package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn streams records over binary websocket messages. A message may
// carry any number of whole or partial records; the reader reassembles
// them like it does a TCP stream.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			kind, r, err := c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	return errors.Join(c.SetReadDeadline(t), c.SetWriteDeadline(t))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readChunk,
	WriteBufferSize: readChunk,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWebSocket upgrades every request on listener into a peer. It
// returns when the listener is closed.
func (n *Net) serveWebSocket(addr string, listener net.Listener) error {
	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				n.log.Warn("net: couldn't upgrade", "addr", addr, "remote", r.RemoteAddr, "err", err)
				return
			}
			if n.ctx.Err() != nil {
				_ = conn.Close()
				return
			}
			n.log.Info("net: accepted", "addr", addr, "remote", r.RemoteAddr)
			n.wg.Add(1)
			defer n.wg.Done()
			n.keepPeer(n.ctx, fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), r.RemoteAddr), &wsConn{Conn: conn})
		}),
	}
	err := server.Serve(listener)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (n *Net) dialWebSocket(ctx context.Context, kind ConnType, address string) (net.Conn, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: "/"}
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Minute,
		ReadBufferSize:   readChunk,
		WriteBufferSize:  readChunk,
	}
	if kind == WSS {
		if n.opts.TLS == nil {
			return nil, ErrNoTLSConfig
		}
		u.Scheme = "wss"
		dialer.TLSClientConfig = n.opts.TLS
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: conn}, nil
}
