// Contains the metrics collected by the protocol engine.

package core

import (
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	eventInMeter      = metrics.NewRegisteredMeter("relay/resolver/events/in", nil)
	eventDupMeter     = metrics.NewRegisteredMeter("relay/resolver/events/duplicate", nil)
	eventDropMeter    = metrics.NewRegisteredMeter("relay/resolver/events/dropped", nil)
	orphanParkMeter   = metrics.NewRegisteredMeter("relay/resolver/events/parked", nil)
	orphanReplayMeter = metrics.NewRegisteredMeter("relay/resolver/events/replayed", nil)
	breachMeter       = metrics.NewRegisteredMeter("relay/resolver/invariantbreaches", nil)
	fulfilledMeter    = metrics.NewRegisteredMeter("relay/resolver/orders/fulfilled", nil)
	refundedMeter     = metrics.NewRegisteredMeter("relay/resolver/orders/refunded", nil)
	failedMeter       = metrics.NewRegisteredMeter("relay/resolver/orders/failed", nil)
	actionOutMeter    = metrics.NewRegisteredMeter("relay/resolver/actions/out", nil)
	actionFailMeter   = metrics.NewRegisteredMeter("relay/resolver/actions/failed", nil)
	reconcileMeter    = metrics.NewRegisteredMeter("relay/resolver/reconcile/divergences", nil)
	matchMeter        = metrics.NewRegisteredMeter("relay/resolver/matches", nil)

	orderGauge          = metrics.NewRegisteredGauge("relay/resolver/orders", nil)
	secretGauge         = metrics.NewRegisteredGauge("relay/resolver/secrets", nil)
	capacityRejectMeter = metrics.NewRegisteredMeter("relay/resolver/capacityrejects", nil)
	evictionMeter       = metrics.NewRegisteredMeter("relay/resolver/evictions", nil)
)
