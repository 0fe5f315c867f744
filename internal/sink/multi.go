package sink

import (
	"context"
	"errors"

	"github.com/sweeney/asterisk-dialer/internal/call"
)

// Multi fans every write out to all sinks. One sink failing does not stop
// the others; the joined error is returned.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) PersistTransition(ctx context.Context, t call.Transition) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.PersistTransition(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) IncrementCounter(ctx context.Context, campaignID, bucket, token string) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.IncrementCounter(ctx, campaignID, bucket, token); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
