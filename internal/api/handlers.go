package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/shiftcraft/rosterd/internal/model"
)

type SubmitResponse struct {
	RunID string `json:"runId"`
}

type DeleteResponse struct {
	Success bool `json:"success"`
}

func (s *Server) submitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.RunRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, fmt.Errorf("decoding run request: %w", errors.Join(model.ErrInvalidConfig, err)))
			return
		}

		id, err := s.sup.Submit(r.Context(), req)
		if err != nil {
			slog.InfoContext(r.Context(), "run rejected", "error", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, SubmitResponse{RunID: id})
	}
}

func (s *Server) cancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.sup.Cancel(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.sup.Status())
	}
}

func (s *Server) listHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.history.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) configSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := s.history.ConfigSnapshot(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

func (s *Server) deleteHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.history.Delete(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, model.ErrNotFound):
			writeJSON(w, http.StatusNotFound, DeleteResponse{Success: false})
		case err != nil:
			writeError(w, err)
		default:
			writeJSON(w, http.StatusOK, DeleteResponse{Success: true})
		}
	}
}

// outputHandler reports where an artifact is. With ?download=1 it serves
// the file itself.
func (s *Server) outputHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := model.ParseOutputKind(r.PathValue("kind"))
		if err != nil {
			writeError(w, fmt.Errorf("%w: %w", model.ErrNotFound, err))
			return
		}
		out, err := s.history.ResolveOutput(r.Context(), r.PathValue("id"), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		if r.URL.Query().Get("download") == "" {
			writeJSON(w, http.StatusOK, out)
			return
		}
		if !out.Exists {
			writeError(w, fmt.Errorf("output %s of %s: %w", kind, r.PathValue("id"), model.ErrNotFound))
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", kind.FileName()))
		http.ServeFile(w, r, out.Path)
	}
}

func (s *Server) diagnosticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.diag.Run(r.Context(), s.solver))
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == host
}
