package circuitbreaker

import (
	"context"
	"errors"
	"os"

	gateway "github.com/modelrelay/relay/internal"
)

// ClassifyError returns the error weight recorded against a gateway's
// sliding window.
//
// Weights:
//   - timeout -> 1.5 (slowest failure mode, worst for failover latency)
//   - bad gateway / unknown upstream fault -> 1.0
//   - rate limited -> 0.5 (capacity signal, not an outage)
//   - auth, validation, not-found -> 0.0 (request's fault, not the gateway's)
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	var ue *gateway.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case gateway.KindTimeout:
			return 1.5
		case gateway.KindRateLimit:
			return 0.5
		case gateway.KindAuth, gateway.KindValidation, gateway.KindNotFound:
			return 0
		default: // bad_gateway, unknown
			return 1.0
		}
	}

	// Transport-level failures without classification (connection refused,
	// reset) count as a gateway fault.
	return 1.0
}
