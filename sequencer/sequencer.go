// Package sequencer is an in-memory ordering service. Replicas submit edit
// packets; the service stamps each with the next position of one total
// order and delivers the stamped packets to every connected replica.
//
// Nothing here runs on its own: delivery happens when a client is fed,
// or for everyone at once in ProcessAllMessages.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/drpcorg/sharedtree/protocol"
	"github.com/drpcorg/sharedtree/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrClosed        = errors.New("sequencer: client closed")
	ErrNameTaken     = errors.New("sequencer: client name taken")
	ErrNotSubmission = errors.New("sequencer: not an edit packet")
	ErrFutureStart   = errors.New("sequencer: start position is in the future")
	ErrForgotten     = errors.New("sequencer: start position is before the kept history")
	ErrNotEmpty      = errors.New("sequencer: cannot restore a service that ordered packets")
	ErrBadHistory    = errors.New("sequencer: restored packets are not consecutive")
)

type Options struct {
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type Service struct {
	log utils.Logger

	lock sync.Mutex
	// history[i] sits at position base+i+1
	base    uint64
	history protocol.Records
	clients *xsync.MapOf[string, *Client]
}

func New(opts Options) *Service {
	opts.SetDefaults()
	return &Service{
		log:     opts.Logger,
		clients: xsync.NewMapOf[string, *Client](),
	}
}

// Position is the number of packets ordered so far.
func (s *Service) Position() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.base + uint64(len(s.history))
}

// Restore resumes the order of a previous run: the next position handed
// out follows base, and recs, if any, are the sequenced packets from
// base+1 on, served to replicas connecting from those positions.
func (s *Service) Restore(base uint64, recs protocol.Records) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.base != 0 || len(s.history) != 0 {
		return ErrNotEmpty
	}
	for i, rec := range recs {
		pos, ok := position(rec)
		if !ok || pos != base+uint64(i)+1 {
			return ErrBadHistory
		}
	}
	s.base = base
	s.history = recs.Clone()
	s.log.Info("sequencer: restored", "base", base, "packets", len(recs))
	return nil
}

func position(rec []byte) (uint64, bool) {
	body, _, err := protocol.TakeWary('Q', rec)
	if err != nil {
		return 0, false
	}
	zip, _, err := protocol.TakeWary('N', body)
	if err != nil {
		return 0, false
	}
	return protocol.UnzipUint64(zip)
}

// Connect registers a replica. Its inbox starts with every packet
// ordered at position from or later, so a replica that has seen up to
// position n passes n+1. sink receives the packets on delivery.
func (s *Service) Connect(name string, sink protocol.Drainer, from uint64) (*Client, error) {
	if from == 0 {
		from = 1
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if from > s.base+uint64(len(s.history))+1 {
		return nil, ErrFutureStart
	}
	if from <= s.base {
		return nil, ErrForgotten
	}
	c := &Client{
		name:    name,
		service: s,
		sink:    sink,
		inbox:   s.history[from-1-s.base:].Clone(),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(c.inbox) > 0 {
		c.ready <- struct{}{}
	}
	if _, taken := s.clients.LoadOrStore(name, c); taken {
		return nil, ErrNameTaken
	}
	s.log.Debug("sequencer: connected", "client", name, "from", from)
	return c, nil
}

// Since returns a copy of the packets ordered at position from or later.
func (s *Service) Since(from uint64) protocol.Records {
	s.lock.Lock()
	defer s.lock.Unlock()
	if from == 0 {
		from = 1
	}
	if from <= s.base {
		from = s.base + 1
	}
	if from > s.base+uint64(len(s.history)) {
		return nil
	}
	return s.history[from-1-s.base:].Clone()
}

// submit orders the packets and queues them for every client.
func (s *Service) submit(from string, recs protocol.Records) error {
	for _, rec := range recs {
		if len(rec) == 0 || protocol.Lit(rec) != 'E' {
			return ErrNotSubmission
		}
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, rec := range recs {
		pos := s.base + uint64(len(s.history)) + 1
		stamped := protocol.Record('Q',
			protocol.Record('N', protocol.ZipUint64(pos)),
			rec,
		)
		s.history = append(s.history, stamped)
		s.clients.Range(func(_ string, c *Client) bool {
			c.enqueue(stamped)
			return true
		})
		s.log.Debug("sequencer: ordered", "from", from, "position", pos)
	}
	return nil
}

// ProcessAllMessages delivers every queued packet to every client. Once it
// returns, everything submitted before the call has reached all replicas.
func (s *Service) ProcessAllMessages(ctx context.Context) error {
	for {
		delivered := 0
		var err error
		s.clients.Range(func(_ string, c *Client) bool {
			var n int
			n, err = c.deliver(ctx)
			delivered += n
			return err == nil
		})
		if err != nil {
			return err
		}
		// sinks may submit while being fed
		if delivered == 0 {
			return nil
		}
	}
}

// Client is a replica's connection to the service: Drain submits, Feed
// hands out ordered packets.
type Client struct {
	name    string
	service *Service
	sink    protocol.Drainer

	lock   sync.Mutex
	inbox  protocol.Records
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Drain(ctx context.Context, recs protocol.Records) error {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return ErrClosed
	}
	return c.service.submit(c.name, recs)
}

// Feed takes everything in the inbox.
func (c *Client) Feed(ctx context.Context) (protocol.Records, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	recs := c.inbox
	c.inbox = nil
	return recs, nil
}

// Wait blocks until the inbox has packets, the client is closed or the
// context is done.
func (c *Client) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) enqueue(rec []byte) {
	c.lock.Lock()
	if !c.closed {
		c.inbox = append(c.inbox, rec)
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
	c.lock.Unlock()
}

func (c *Client) deliver(ctx context.Context) (int, error) {
	if c.sink == nil {
		return 0, nil
	}
	recs, err := c.Feed(ctx)
	if err != nil || len(recs) == 0 {
		return 0, nil
	}
	return len(recs), c.sink.Drain(ctx, recs)
}

// Close disconnects the client; undelivered packets are dropped.
func (c *Client) Close() error {
	c.lock.Lock()
	if !c.closed {
		c.closed = true
		c.inbox = nil
		close(c.done)
	}
	c.lock.Unlock()
	c.service.clients.Delete(c.name)
	return nil
}
