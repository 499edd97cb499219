package sequencer

import (
	"context"
	"sync"

	"github.com/drpcorg/sharedtree/protocol"
	"github.com/pkg/errors"
)

// A remote replica opens its stream with a hello naming the first position
// it needs, then sends edit packets; the service answers with sequenced ones.
//
//	H{ N from }

var ErrNoHello = errors.New("sequencer: stream must start with a hello")

func HelloPacket(from uint64) []byte {
	return protocol.Record('H', protocol.Record('N', protocol.ZipUint64(from)))
}

func parseHello(rec []byte) (uint64, error) {
	body, _, err := protocol.TakeWary('H', rec)
	if err != nil {
		return 0, errors.Wrap(ErrNoHello, err.Error())
	}
	zip, _, err := protocol.TakeWary('N', body)
	if err != nil {
		return 0, errors.Wrap(ErrNoHello, err.Error())
	}
	from, ok := protocol.UnzipUint64(zip)
	if !ok {
		return 0, errors.Wrap(ErrNoHello, "bad position")
	}
	return from, nil
}

// Session serves one remote replica over a stream transport. It connects
// to the service on the replica's hello; Feed blocks until there is
// something to send.
type Session struct {
	service *Service
	name    string

	lock      sync.Mutex
	client    *Client
	connected chan struct{}
	closed    chan struct{}
}

func (s *Service) Session(name string) *Session {
	return &Session{
		service:   s,
		name:      name,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (ss *Session) Drain(ctx context.Context, recs protocol.Records) error {
	ss.lock.Lock()
	client := ss.client
	if client == nil && len(recs) > 0 {
		from, err := parseHello(recs[0])
		if err != nil {
			ss.lock.Unlock()
			return err
		}
		if client, err = ss.service.Connect(ss.name, nil, from); err != nil {
			ss.lock.Unlock()
			return err
		}
		ss.client = client
		close(ss.connected)
		recs = recs[1:]
		ss.service.log.InfoCtx(ctx, "sequencer: remote replica", "name", ss.name, "from", from)
	}
	ss.lock.Unlock()
	if len(recs) == 0 {
		return nil
	}
	return client.Drain(ctx, recs)
}

func (ss *Session) Feed(ctx context.Context) (protocol.Records, error) {
	select {
	case <-ss.connected:
	case <-ss.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for {
		recs, err := ss.client.Feed(ctx)
		if err != nil || len(recs) > 0 {
			return recs, err
		}
		if err = ss.client.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (ss *Session) Close() error {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	select {
	case <-ss.closed:
		return nil
	default:
		close(ss.closed)
	}
	if ss.client != nil {
		return ss.client.Close()
	}
	return nil
}

// Uplink is the replica's end of a remote session. Local edit packets
// drained into Outbound go out after the hello; sequenced packets coming
// back are drained into the sink.
type Uplink struct {
	hello []byte
	out   *protocol.Queue
	sink  protocol.Drainer
	once  sync.Once
}

// NewUplink asks for every position from on. queueLimit bounds the edits
// waiting to be sent.
func NewUplink(from uint64, sink protocol.Drainer, queueLimit int) *Uplink {
	return &Uplink{
		hello: HelloPacket(from),
		out:   protocol.NewQueue(queueLimit),
		sink:  sink,
	}
}

// Outbound is where the replica drains its local edits.
func (u *Uplink) Outbound() protocol.Drainer {
	return u.out
}

func (u *Uplink) Feed(ctx context.Context) (recs protocol.Records, err error) {
	u.once.Do(func() {
		recs = protocol.Records{u.hello}
	})
	if recs != nil {
		return recs, nil
	}
	return u.out.Feed(ctx)
}

func (u *Uplink) Drain(ctx context.Context, recs protocol.Records) error {
	return u.sink.Drain(ctx, recs)
}

func (u *Uplink) Close() error {
	return u.out.Close()
}
