package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cirrusops/cirrus/pkg/engine"
)

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	machines, err := s.orch.ListMachines(ctx, tenantFrom(ctx))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	if machines == nil {
		machines = []*engine.Machine{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	m, err := s.orch.GetMachine(ctx, tenantFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleSetDesired(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status engine.MachineStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, errors.New("status is required"))
		return
	}
	if err := req.Status.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	m, err := s.orch.SetDesiredStatus(ctx, tenantFrom(ctx), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	m, err := s.orch.ReconcileMachine(ctx, tenantFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}
