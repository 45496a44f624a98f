package server

import (
	"net/http"
)

var (
	pongBody = []byte("pong")
	plainCT  = []string{"text/plain"}
)

type healthResponse struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// handleHealth reports overall readiness plus the per-gateway breaker states.
// A failing readiness check returns 503 so load balancers stop routing here.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	if s.deps.Breakers != nil {
		states := s.deps.Breakers.States()
		if len(states) > 0 {
			resp.Breakers = make(map[string]string, len(states))
			for gw, st := range states {
				resp.Breakers[gw] = st.String()
			}
		}
	}

	status := http.StatusOK
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(pongBody)
}
