package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cirrusops/cirrus/pkg/engine"
)

const (
	defaultLogLimit = 1000
	maxLogLimit     = 10000
	ndjsonType      = "application/x-ndjson"
)

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req engine.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	tenant := tenantFrom(ctx)
	id, err := s.orch.EnqueueDeployment(ctx, tenant, req)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	d, err := s.orch.GetDeployment(ctx, tenant, id)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/deployments/"+id)
	respondJSON(w, http.StatusAccepted, d)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	deployments, err := s.orch.ListDeployments(ctx, tenantFrom(ctx), r.URL.Query().Get("machine_id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	if deployments == nil {
		deployments = []*engine.Deployment{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	d, err := s.orch.GetDeployment(ctx, tenantFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	d, err := s.orch.Approve(ctx, tenantFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	d, err := s.orch.Cancel(ctx, tenantFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// handleLogs writes log lines as newline-delimited JSON. With follow=true the
// response stays open until the deployment finishes or the client leaves.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultLogLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if limit == 0 || limit > maxLogLimit {
		limit = maxLogLimit
	}
	follow, err := queryBool(r, "follow")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	tenant := tenantFrom(r.Context())
	id := chi.URLParam(r, "id")

	if !follow {
		ctx, cancel := s.withTimeout(r.Context())
		defer cancel()
		lines, err := s.orch.ReadLogs(ctx, tenant, id, after, int(limit))
		if err != nil {
			s.respondEngineError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", ndjsonType)
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, line := range lines {
			if err := enc.Encode(line); err != nil {
				return
			}
		}
		return
	}

	ctx := r.Context()
	stream, err := s.orch.FollowLogs(ctx, tenant, id, after)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", ndjsonType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()
	enc := json.NewEncoder(w)
	for {
		line, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("deployment_id", id).Msg("Log stream ended with error")
			}
			return
		}
		if err := enc.Encode(line); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
