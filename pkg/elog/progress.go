package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Progress is an interface to display progress bars for long-running
// operations.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
	SetCurrent(n int64)
}

// ProgressReporter is an interface that contains the ability to create
// a Progress bar object.
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// NewProgress creates a progress bar and returns it.
func (log *CLI) NewProgress(label string, units string, total int64) Progress {

	if log.DisableTTY {
		return &nilProgress{}
	}

	log.lock.Lock()
	defer log.lock.Unlock()

	container := mpb.New(mpb.WithWidth(80))

	var bar *mpb.Bar
	if total == 0 {
		bar = container.AddSpinner(0, mpb.SpinnerOnLeft,
			mpb.PrependDecorators(
				decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			),
		)
	} else {
		bar = container.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	return &pb{
		container: container,
		bar:       bar,
		total:     total,
	}
}

type nilProgress struct{}

func (np *nilProgress) Increment(n int64) {}

func (np *nilProgress) SetCurrent(n int64) {}

func (np *nilProgress) Finish(success bool) {}

type pb struct {
	container *mpb.Progress
	bar       *mpb.Bar
	total     int64
	closed    bool
}

// Increment increases the progress on the bar.
func (pb *pb) Increment(n int64) {
	pb.bar.IncrInt64(n)
}

// SetCurrent moves the bar to an absolute position.
func (pb *pb) SetCurrent(n int64) {
	pb.bar.SetCurrent(n)
}

// Finish closes the progress bar object.
func (pb *pb) Finish(success bool) {
	if pb.closed {
		return
	}
	pb.closed = true
	if !success {
		pb.bar.Abort(false)
	} else {
		pb.bar.SetCurrent(pb.total)
	}
	pb.container.Wait()
}
