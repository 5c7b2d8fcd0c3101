package httpapi

import (
	"net/http"
	"strconv"
)

// handleGetBalance returns the user's settled balance together with the fee
// currently allocated to live sessions. The difference is what new sessions
// can be admitted against.
func (r *Router) handleGetBalance(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())

	balance, allocated, err := r.guard.Balances(req.Context(), authUser.ID)
	if err != nil {
		captureError(req, err, "balance: fetch failed")
		http.Error(w, `{"error": "failed to fetch balance"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"balance":   balance.String(),
		"allocated": allocated.String(),
		"available": (balance - allocated).String(),
	})
}

func (r *Router) handleListUsage(w http.ResponseWriter, req *http.Request) {
	authUser := getAuthUser(req.Context())

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := r.store.ListUsage(req.Context(), authUser.ID, limit)
	if err != nil {
		captureError(req, err, "usage: list failed")
		http.Error(w, `{"error": "failed to list usage"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": records})
}

// handleListNodes exposes the scheduler's live node loads, mainly for
// operators watching capacity.
func (r *Router) handleListNodes(w http.ResponseWriter, req *http.Request) {
	type nodeView struct {
		ID              string `json:"id"`
		Address         string `json:"address"`
		ComputeCapacity uint32 `json:"compute_capacity"`
		MemoryCapacity  uint32 `json:"memory_capacity"`
		ComputeLoad     uint32 `json:"compute_load"`
		MemoryLoad      uint32 `json:"memory_load"`
	}

	snapshot := r.pool.Snapshot()
	nodes := make([]nodeView, 0, len(snapshot))
	for _, n := range snapshot {
		nodes = append(nodes, nodeView{
			ID:              n.ID.String(),
			Address:         n.Address,
			ComputeCapacity: n.ComputeCapacity,
			MemoryCapacity:  n.MemoryCapacity,
			ComputeLoad:     n.ComputeLoad,
			MemoryLoad:      n.MemoryLoad,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":           nodes,
		"active_sessions": r.sessions.ActiveCount(),
	})
}
