// SPDX-License-Identifier: MIT
/*
Package source adapts external sample streams to an analysis.SampleSink.

Network payloads are JSON objects of the form

	{"timestamp": 12.5, "data": [[...channel 0...], [...channel 1...]]}

where elements are numbers or numeric strings. A Decoder picks one channel,
converts it to float64 and scales the timestamp to seconds.

Thread Safety:
  - Sources call Ingest from their own goroutine; the sink must serialize it
    against its other callers
  - Close may be called from any goroutine to stop a running source
*/
package source

import (
	"context"

	"biotap/internal/analysis"
	applog "biotap/internal/log"
)

var logger = applog.Named("Source")

// Source delivers sample batches to a sink until ctx ends or Close is
// called. Run returns nil on a clean stop.
type Source interface {
	Run(ctx context.Context, sink analysis.SampleSink) error
	Close() error
}

// Batch is one decoded message: the selected channel's samples and the
// absolute time of the first one.
type Batch struct {
	Start  float64
	Values []float64
}
