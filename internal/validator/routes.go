package validator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"validatord/internal/server"
)

type rewardsRequest struct {
	Rewards []Reward `json:"rewards"`
}

type rewardsResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

// Mount registers the reward routes on the API group.
func (s *Service) Mount(r chi.Router) {
	r.Post("/rewards", s.handleRewards)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		server.WriteJSON(w, http.StatusOK, s.Snapshot())
	})
	r.Get("/scores", func(w http.ResponseWriter, _ *http.Request) {
		server.WriteJSON(w, http.StatusOK, s.Scores())
	})
}

func (s *Service) handleRewards(w http.ResponseWriter, r *http.Request) {
	if s.ExitRequested() {
		server.WriteError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	var req rewardsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			server.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		server.WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Rewards) == 0 {
		server.WriteError(w, http.StatusBadRequest, "rewards required")
		return
	}

	errs, err := s.RecordRewards(req.Rewards)
	if err != nil {
		server.WriteError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	var resp rewardsResponse
	for i, rerr := range errs {
		if rerr != nil {
			resp.Rejected = append(resp.Rejected, req.Rewards[i].TaskID+": "+rerr.Error())
			continue
		}
		resp.Accepted++
	}
	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	server.WriteJSON(w, status, resp)
}
