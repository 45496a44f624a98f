package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/app"
	"github.com/modelrelay/relay/internal/ledger"
	"github.com/modelrelay/relay/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

func (s *server) mountAdminRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/users", s.handleAdminCreateUser)
		r.Get("/users/{id}", s.handleAdminGetUser)
		r.Post("/users/{id}/credits", s.handleAdminAddCredits)
		r.Post("/users/{id}/block", s.handleAdminSetBlocked)
		r.Post("/users/{id}/tier", s.handleAdminSetTier)
		r.Post("/catalog/refresh", s.handleAdminCatalogRefresh)
		r.Delete("/catalog/cache", s.handleAdminCatalogClear)
		if s.deps.Activity != nil {
			r.Get("/activity", s.handleAdminListActivity)
		}
	})
}

// adminAuth guards admin routes with the dedicated admin key. The key never
// resolves to a user and grants no access to the client-facing API.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse("invalid admin credentials", "auth_error"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "validation_error"))
		return false
	}
	return true
}

type createUserRequest struct {
	Tier    string  `json:"tier,omitempty"`
	Credits float64 `json:"credits,omitempty"`
	Trial   bool    `json:"trial,omitempty"`
}

type createUserResponse struct {
	APIKey string        `json:"api_key"`
	User   *gateway.User `json:"user"`
}

func (s *server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Credits < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("credits must not be negative", "validation_error"))
		return
	}

	key, user, err := s.deps.Users.CreateUser(r.Context(), app.CreateUserOpts{
		Tier:           req.Tier,
		InitialCredits: req.Credits,
		TrialActive:    req.Trial,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createUserResponse{APIKey: key, User: user})
}

func (s *server) handleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.deps.Users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type addCreditsRequest struct {
	AmountUSD float64 `json:"amount_usd"`
	Reason    string  `json:"reason,omitempty"`
}

type balanceResponse struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

func (s *server) handleAdminAddCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = ledger.ReasonTopUp
	}

	userID := chi.URLParam(r, "id")
	balance, err := s.deps.Users.AddCredits(r.Context(), userID, req.AmountUSD, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

type setBlockedRequest struct {
	Blocked bool `json:"blocked"`
}

func (s *server) handleAdminSetBlocked(w http.ResponseWriter, r *http.Request) {
	var req setBlockedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Users.SetBlocked(r.Context(), chi.URLParam(r, "id"), req.Blocked); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setTierRequest struct {
	Tier string `json:"tier"`
}

func (s *server) handleAdminSetTier(w http.ResponseWriter, r *http.Request) {
	var req setTierRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tier == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("tier is required", "validation_error"))
		return
	}
	if err := s.deps.Users.SetTier(r.Context(), chi.URLParam(r, "id"), req.Tier); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	gw := r.URL.Query().Get("gateway")
	if err := s.deps.Catalog.Refresh(r.Context(), gw); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAdminCatalogClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Catalog.ClearCache(r.URL.Query().Get("gateway"))
	w.WriteHeader(http.StatusNoContent)
}

type activityListResponse struct {
	Data     []gateway.ActivityEvent `json:"data"`
	Returned int                     `json:"returned"`
}

// handleAdminListActivity returns recent activity events, newest first.
// since/until are RFC3339; SQLite datetime() silently returns NULL on
// malformed strings, so formats are validated upfront.
func (s *server) handleAdminListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, p := range []string{"since", "until"} {
		if v := q.Get(p); v != "" {
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse("invalid "+p+" format, use RFC3339", "validation_error"))
				return
			}
		}
	}

	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.deps.Activity.ListActivity(r.Context(), storage.ActivityFilter{
		UserID:    q.Get("user_id"),
		Model:     q.Get("model"),
		Provider:  q.Get("provider"),
		SessionID: q.Get("session_id"),
		Since:     q.Get("since"),
		Until:     q.Get("until"),
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []gateway.ActivityEvent{}
	}
	writeJSON(w, http.StatusOK, activityListResponse{Data: events, Returned: len(events)})
}
