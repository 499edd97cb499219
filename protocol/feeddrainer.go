package protocol

import (
	"context"
	"io"
)

// Feeder hands out batches of records.
// The EOF convention follows io.Reader: either `records, io.EOF` or
// `records, nil` followed by `nil, io.EOF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

// Drainer consumes batches of records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Relay moves a single batch from feeder to drainer.
// Records fed together with an error are still drained.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); derr != nil {
			return derr
		}
	}
	return err
}

// Pump relays until the feeder reports an error or the context is done.
// io.EOF is a normal stop and is not returned.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	if err == io.EOF {
		err = nil
	}
	return
}

// DrainFunc adapts a plain function to the Drainer interface.
type DrainFunc func(ctx context.Context, recs Records) error

func (f DrainFunc) Drain(ctx context.Context, recs Records) error {
	return f(ctx, recs)
}
