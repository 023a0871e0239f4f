// Package persist writes raw GPS positions off the broadcast path: a bounded
// queue drained by a fixed set of workers fanning each record out to sinks.
package persist

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"bustrack/internal/model"
)

// Sink stores one position record.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec model.PositionRecord) error
}

// MultiSink writes to every sink concurrently. All sinks are attempted; the
// first failure is returned.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Write(ctx context.Context, rec model.PositionRecord) error {
	if len(m) == 1 {
		return writeNamed(ctx, m[0], rec)
	}
	var g errgroup.Group
	for _, s := range m {
		s := s
		g.Go(func() error { return writeNamed(ctx, s, rec) })
	}
	return g.Wait()
}

func writeNamed(ctx context.Context, s Sink, rec model.PositionRecord) error {
	if err := s.Write(ctx, rec); err != nil {
		return fmt.Errorf("%s: %w", s.Name(), err)
	}
	return nil
}
