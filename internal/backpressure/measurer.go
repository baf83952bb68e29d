package backpressure

import (
	"context"

	"github.com/pkg/errors"
)

// StreamLengther is the part of the event log the measurer needs.
type StreamLengther interface {
	Len(ctx context.Context, stream string) (int64, error)
}

// StreamLengths sums the lengths of a fixed set of streams.
type StreamLengths struct {
	log     StreamLengther
	streams []string
}

func NewStreamLengths(log StreamLengther, streams ...string) *StreamLengths {
	return &StreamLengths{log: log, streams: streams}
}

func (s *StreamLengths) Length(ctx context.Context) (int64, error) {
	var total int64
	for _, stream := range s.streams {
		n, err := s.log.Len(ctx, stream)
		if err != nil {
			return 0, errors.WithMessagef(err, "reading length of %s", stream)
		}
		total += n
	}
	return total, nil
}

// MeasurerFunc adapts a function to a Measurer.
type MeasurerFunc func(ctx context.Context) (int64, error)

func (f MeasurerFunc) Length(ctx context.Context) (int64, error) {
	return f(ctx)
}
