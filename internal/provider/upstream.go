package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"

	gateway "github.com/modelrelay/relay/internal"
)

// ParseUpstreamError reads up to 4KB from the response body and returns a
// classified *gateway.UpstreamError.
func ParseUpstreamError(gw string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return gateway.NewUpstreamError(gw, resp.StatusCode, string(body))
}

// WrapTransportError converts a transport-level failure (socket, DNS,
// timeout) into a classified *gateway.UpstreamError. Timeouts map to the
// timeout kind; socket and DNS failures map to bad_gateway. Both are
// retryable per the failover rules.
func WrapTransportError(gw string, err error) error {
	if err == nil {
		return nil
	}
	var ue *gateway.UpstreamError
	if errors.As(err, &ue) {
		return err
	}

	kind := gateway.KindBadGateway
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		kind = gateway.KindTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = gateway.KindTimeout
		}
	}

	return &gateway.UpstreamError{
		Gateway:   gw,
		Kind:      kind,
		Retryable: true,
		Body:      err.Error(),
	}
}
