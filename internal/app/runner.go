package app

import (
	"context"
	"errors"

	"digestbot/internal/delivery"
	"digestbot/internal/digest"
)

// ErrRunInProgress is returned to a manual broadcast while another run is sending.
var ErrRunInProgress = errors.New("a delivery run is already in progress")

// serialRunner keeps scheduled and manual runs from overlapping. Scheduled runs wait
// until ctx is done; manual runs are refused while one is active.
type serialRunner struct {
	slot chan struct{}
	p    delivery.Runner
}

func newSerialRunner(p delivery.Runner) *serialRunner {
	return &serialRunner{slot: make(chan struct{}, 1), p: p}
}

func (r *serialRunner) Run(ctx context.Context, kind digest.Kind) (delivery.Report, error) {
	if kind == digest.KindManual {
		select {
		case r.slot <- struct{}{}:
		default:
			return delivery.Report{Kind: kind}, ErrRunInProgress
		}
	} else {
		select {
		case r.slot <- struct{}{}:
		case <-ctx.Done():
			return delivery.Report{Kind: kind}, ctx.Err()
		}
	}
	defer func() { <-r.slot }()
	return r.p.Run(ctx, kind)
}
