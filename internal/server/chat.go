package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/app"
	"github.com/modelrelay/relay/internal/provider/sseutil"
)

// maxChatBody caps chat request bodies at 10 MB.
const maxChatBody = 10 << 20

// handleChat serves both completion surfaces; the endpoint label flows into
// activity events so reporting can tell them apart.
func (s *server) handleChat(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error(), "validation_error"))
			return
		}
		req.SessionID = r.URL.Query().Get("session_id")

		if req.Stream {
			s.handleChatStream(w, r, &req, endpoint)
			return
		}

		resp, err := s.deps.Chat.ChatCompletion(r.Context(), &req, endpoint)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleChatStream handles SSE streaming chat completion requests.
func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, endpoint string) {
	ch, err := s.deps.Chat.ChatCompletionStream(r.Context(), req, endpoint)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, open := <-ch:
			if !open {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				// Already committed to the stream; report in-band and terminate.
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
					slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
				)
				writeSSEData(w, sseutil.BuildErrorChunk(streamErrorMessage(chunk.Err), streamErrorCode(chunk.Err)))
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			// Usage-only chunks carry no wire payload.
			if len(chunk.Data) == 0 {
				continue
			}
			writeSSEData(w, chunk.Data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// streamErrorMessage sanitizes an in-band stream error for the client.
func streamErrorMessage(err error) string {
	var ue *gateway.UpstreamError
	if errors.As(err, &ue) {
		return "upstream error from " + ue.Gateway
	}
	return "stream interrupted"
}

func streamErrorCode(err error) string {
	var ue *gateway.UpstreamError
	if errors.As(err, &ue) {
		return string(ue.Kind)
	}
	return "internal_error"
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorResponse(msg, typ string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	return e
}

// writeError maps a domain error to an HTTP status and OpenAI-style body.
// Rate-limit errors carry a Retry-After header; upstream errors surface the
// gateway and kind but never the raw upstream body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rle *app.RateLimitedError
	if errors.As(err, &rle) {
		secs := int64(math.Ceil(rle.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		resp := errorResponse(rle.Error(), "rate_limit_error")
		resp.Error.Code = rle.Scope
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}

	var ue *gateway.UpstreamError
	if errors.As(err, &ue) {
		status := http.StatusBadGateway
		if ue.Kind == gateway.KindTimeout {
			status = http.StatusGatewayTimeout
		}
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream error",
			slog.String("gateway", ue.Gateway),
			slog.String("kind", string(ue.Kind)),
			slog.Int("status", ue.HTTPStatus),
		)
		resp := errorResponse("upstream error from "+ue.Gateway, "upstream_error")
		resp.Error.Code = string(ue.Kind)
		writeJSON(w, status, resp)
		return
	}

	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse(err.Error(), "auth_error"))
	case errors.Is(err, gateway.ErrKeyBlocked):
		writeJSON(w, http.StatusForbidden, errorResponse(err.Error(), "auth_error"))
	case errors.Is(err, gateway.ErrInsufficientCredits),
		errors.Is(err, gateway.ErrTrialExpired),
		errors.Is(err, gateway.ErrPlanLimit):
		writeJSON(w, http.StatusPaymentRequired, errorResponse(err.Error(), "quota_error"))
	case errors.Is(err, gateway.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse(err.Error(), "rate_limit_error"))
	case errors.Is(err, gateway.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error(), "validation_error"))
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error(), "not_found_error"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse(err.Error(), "conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error", "internal_error"))
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
