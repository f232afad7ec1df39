// Contains the metrics collected by the ingestors.

package ingest

import (
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	deliveredMeter      = metrics.NewRegisteredMeter("relay/ingest/events/delivered", nil)
	replayFilteredMeter = metrics.NewRegisteredMeter("relay/ingest/events/replayfiltered", nil)
	pollErrorMeter      = metrics.NewRegisteredMeter("relay/ingest/poll/errors", nil)
)

// cursorGauge returns the per-chain cursor height gauge.
func cursorGauge(chain string) metrics.Gauge {
	return metrics.GetOrRegisterGauge("relay/ingest/cursor/"+chain, nil)
}
