// Package network streams TLV records between processes over TCP, TLS or
// websockets.
//
// A Net listens and dials. Every established connection becomes a Peer
// bound to a protocol handler obtained from the install callback: records
// read off the socket are drained into the handler, records the handler
// feeds are written out. Dialed connections are kept up: when one breaks,
// the Net dials again with exponential backoff until Disconnect or Close.
//
//	n := network.New(network.Options{}, install, destroy)
//	_ = n.Listen("tcp://:7070")
//	_ = n.Connect("tcp://sequencer:7070")
//	defer n.Close()
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/sharedtree/protocol"
	"github.com/drpcorg/sharedtree/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

const (
	TCP ConnType = iota + 1
	TLS
	WS
	WSS
)

var (
	ErrAddressInvalid    = errors.New("network: invalid address")
	ErrAddressDuplicated = errors.New("network: address already used")
	ErrAddressUnknown    = errors.New("network: address unknown")
	ErrNoTLSConfig       = errors.New("network: tls address without a tls config")
	ErrRecordTooLarge    = errors.New("network: record exceeds the read buffer")
)

// InstallCallback makes the handler for a new connection.
type InstallCallback func(name string) protocol.FeedDrainCloser

// DestroyCallback reports a connection gone, with the error that ended it.
type DestroyCallback func(name string, err error)

type Options struct {
	Logger utils.Logger
	TLS    *tls.Config
	// WriteTimeout bounds a single batch write; zero means no limit.
	WriteTimeout time.Duration
	// MaxRecordSize bounds a record being read.
	MaxRecordSize int
	MinRetry      time.Duration
	MaxRetry      time.Duration
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.MaxRecordSize == 0 {
		o.MaxRecordSize = 1 << 24
	}
	if o.MinRetry == 0 {
		o.MinRetry = time.Second / 2
	}
	if o.MaxRetry == 0 {
		o.MaxRetry = time.Minute
	}
}

type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	opts      Options
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns   *xsync.MapOf[string, *Peer]
	dials   *xsync.MapOf[string, context.CancelFunc]
	listens *xsync.MapOf[string, net.Listener]
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(opts Options, install InstallCallback, destroy DestroyCallback) *Net {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Net{
		log:       opts.Logger,
		opts:      opts,
		onInstall: install,
		onDestroy: destroy,
		conns:     xsync.NewMapOf[string, *Peer](),
		dials:     xsync.NewMapOf[string, context.CancelFunc](),
		listens:   xsync.NewMapOf[string, net.Listener](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops listening and dialing, drops every connection and waits for
// their handlers to be closed.
func (n *Net) Close() error {
	n.cancel()
	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			_ = l.Close()
		}
		return true
	})
	n.wg.Wait()
	return nil
}

// Peers lists the names of live connections.
func (n *Net) Peers() (names []string) {
	n.conns.Range(func(name string, _ *Peer) bool {
		names = append(names, name)
		return true
	})
	return
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection to whichever of addrs answers first.
func (n *Net) ConnectPool(name string, addrs []string) error {
	for _, addr := range addrs {
		if _, _, err := parseAddr(addr); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(n.ctx)
	if _, loaded := n.dials.LoadOrStore(name, cancel); loaded {
		cancel()
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(ctx, fmt.Sprintf("connect:%s", name), addrs)
		n.dials.Delete(name)
	}()
	return nil
}

// Disconnect stops dialing name and drops its connection.
func (n *Net) Disconnect(name string) error {
	cancel, ok := n.dials.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	cancel()
	return nil
}

func (n *Net) Listen(addr string) error {
	if _, loaded := n.listens.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr, "local", listener.Addr().String())

	kind, _, _ := parseAddr(addr)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if kind == WS || kind == WSS {
			if err := n.serveWebSocket(addr, listener); err != nil {
				n.log.Error("net: websocket server failed", "addr", addr, "err", err)
			}
			n.forgetListener(addr, listener)
			return
		}
		n.KeepListening(addr, listener)
	}()
	return nil
}

// ListenAddr is the bound address of a listener, useful with port 0.
func (n *Net) ListenAddr(addr string) net.Addr {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil
	}
	return l.Addr()
}

func (n *Net) Unlisten(addr string) error {
	l, ok := n.listens.LoadAndDelete(addr)
	if !ok || l == nil {
		return ErrAddressUnknown
	}
	return l.Close()
}

// KeepConnecting dials until the context is done, backing off between
// failed attempts.
func (n *Net) KeepConnecting(ctx context.Context, name string, addrs []string) {
	backoff := n.opts.MinRetry
	for ctx.Err() == nil {
		var conn net.Conn
		var err error
		for _, addr := range addrs {
			if conn, err = n.createConn(ctx, addr); err == nil {
				break
			}
		}
		if err != nil {
			n.log.Warn("net: couldn't connect", "name", name, "err", err, "retry", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff = min(n.opts.MaxRetry, backoff*2)
			continue
		}
		n.log.Info("net: connected", "name", name, "remote", conn.RemoteAddr().String())
		backoff = n.opts.MinRetry
		n.keepPeer(ctx, name, conn)
	}
}

func (n *Net) KeepListening(addr string, listener net.Listener) {
	for n.ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			n.log.Error("net: couldn't accept", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		n.log.Info("net: accepted", "addr", addr, "remote", remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(n.ctx, fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote), conn)
		}()
	}
	n.forgetListener(addr, listener)
}

func (n *Net) forgetListener(addr string, listener net.Listener) {
	n.listens.Compute(addr, func(l net.Listener, loaded bool) (net.Listener, bool) {
		return l, !loaded || l == listener
	})
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(ctx context.Context, name string, conn net.Conn) {
	peer := &Peer{
		name:          name,
		conn:          conn,
		inout:         n.onInstall(name),
		writeTimeout:  n.opts.WriteTimeout,
		maxRecordSize: n.opts.MaxRecordSize,
	}
	n.conns.Store(name, peer)
	rerr, werr, cerr := peer.Keep(ctx)
	n.conns.Delete(name)
	if rerr != nil {
		n.log.Warn("net: read failed", "name", name, "err", rerr)
	}
	if werr != nil {
		n.log.Warn("net: write failed", "name", name, "err", werr)
	}
	if cerr != nil {
		n.log.Warn("net: close failed", "name", name, "err", cerr)
	}
	_ = peer.inout.Close()
	if n.onDestroy != nil {
		n.onDestroy(name, errors.Join(rerr, werr))
	}
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	kind, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	secure := kind == TLS || kind == WSS
	if secure && n.opts.TLS == nil {
		return nil, ErrNoTLSConfig
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if secure {
		listener = tls.NewListener(listener, n.opts.TLS)
	}
	return listener, nil
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	kind, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	switch kind {
	case WS, WSS:
		return n.dialWebSocket(ctx, kind, address)
	case TLS:
		if n.opts.TLS == nil {
			return nil, ErrNoTLSConfig
		}
		d := tls.Dialer{Config: n.opts.TLS}
		return d.DialContext(ctx, "tcp", address)
	default:
		d := net.Dialer{Timeout: time.Minute}
		return d.DialContext(ctx, "tcp", address)
	}
}

// parseAddr splits "scheme://host:port" where scheme is one of tcp, tls,
// ws or wss; a bare "host:port" is TCP.
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return 0, "", errors.Join(ErrAddressInvalid, err)
	}
	var kind ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		kind = TCP
	case "tls":
		kind = TLS
	case "ws":
		kind = WS
	case "wss":
		kind = WSS
	default:
		return 0, "", ErrAddressInvalid
	}
	if u.Host == "" {
		return 0, "", ErrAddressInvalid
	}
	return kind, u.Host, nil
}
