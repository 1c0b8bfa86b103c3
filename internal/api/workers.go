package api

import (
	"net/http"
	"sort"

	"github.com/benchfleet/benchfleet/internal/model"
)

type listWorkersResponse struct {
	Workers []*model.Worker `json:"workers"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.ledger.Workers()
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	s.writeJSON(w, http.StatusOK, listWorkersResponse{Workers: workers})
}
