package server

import (
	"net/http"
)

// SSE wire fragments, built once so the streaming hot path writes without
// allocating per frame.
var (
	ssePrefix    = []byte("data: ")
	sseFrameEnd  = []byte("\n\n")
	sseDone      = []byte("data: [DONE]\n\n")
	sseHeartbeat = []byte(": keep-alive\n\n")
)

// Header values are kept as ready-made slices and assigned into the header
// map directly; Header.Set would wrap each value in a fresh []string.
var (
	sseContentType = []string{"text/event-stream"}
	sseNoCache     = []string{"no-cache"}
	sseKeepConn    = []string{"keep-alive"}
	sseNoBuffering = []string{"no"}
)

// writeSSEHeaders commits the response as an event stream. X-Accel-Buffering
// tells nginx-style proxies not to buffer it.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseNoCache
	h["Connection"] = sseKeepConn
	h["X-Accel-Buffering"] = sseNoBuffering
	w.WriteHeader(http.StatusOK)
}

// writeSSEData emits one data frame carrying payload.
func writeSSEData(w http.ResponseWriter, payload []byte) {
	w.Write(ssePrefix)
	w.Write(payload)
	w.Write(sseFrameEnd)
}

// writeSSEDone emits the OpenAI-style end-of-stream sentinel.
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// writeSSEKeepAlive emits a comment frame so idle connections stay open
// through intermediaries.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseHeartbeat)
}
