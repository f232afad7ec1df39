// Contains the metrics collected by the EVM adapter.

package evm

import (
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	queryEventMeter       = metrics.NewRegisteredMeter("relay/evm/query/events", nil)
	queryDecodeErrorMeter = metrics.NewRegisteredMeter("relay/evm/query/decodeerrors", nil)

	submitMeter          = metrics.NewRegisteredMeter("relay/evm/submit/out", nil)
	submitRetryMeter     = metrics.NewRegisteredMeter("relay/evm/submit/retries", nil)
	submitExhaustedMeter = metrics.NewRegisteredMeter("relay/evm/submit/exhausted", nil)

	feeRefreshMeter     = metrics.NewRegisteredMeter("relay/evm/fees/refresh", nil)
	feeRefreshFailMeter = metrics.NewRegisteredMeter("relay/evm/fees/refreshfail", nil)
)
