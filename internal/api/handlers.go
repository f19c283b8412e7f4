package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/johnkcr/collection-service/internal/export"
	"github.com/johnkcr/collection-service/internal/models"
	"github.com/johnkcr/collection-service/internal/runner"
	"github.com/johnkcr/collection-service/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "commit": BuildCommit})
}

type enqueueRequest struct {
	ChainID        string `json:"chainId"`
	Address        string `json:"address"`
	IndexInitiator string `json:"indexInitiator"`
	Reset          bool   `json:"reset"`
	HasBlueCheck   bool   `json:"hasBlueCheck"`
}

// handleEnqueue queues a collection run. A collection whose checkpoint
// was written within the recent window is skipped unless reset is set.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chainID := strings.TrimSpace(body.ChainID)
	if chainID == "" || !s.cfg.Supported(chainID) {
		writeAPIError(w, http.StatusBadRequest, "invalid chainId")
		return
	}
	if !common.IsHexAddress(body.Address) {
		writeAPIError(w, http.StatusBadRequest, "invalid address")
		return
	}
	address := models.NormalizeAddress(body.Address)
	initiator := strings.TrimSpace(body.IndexInitiator)
	if initiator != "" && !common.IsHexAddress(initiator) {
		writeAPIError(w, http.StatusBadRequest, "invalid indexInitiator")
		return
	}

	if !body.Reset {
		col, err := s.collections.Get(r.Context(), chainID, address)
		switch {
		case err == nil:
			if store.RecentlyUpdated(col, s.now(), s.cfg.RecentWindow) {
				writeAPIResponse(w, http.StatusOK, map[string]interface{}{"queued": false, "reason": "recently updated"}, nil)
				return
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			log.Printf("[api] get collection %s:%s: %v", chainID, address, err)
			writeAPIError(w, http.StatusInternalServerError, "failed to read collection")
			return
		}
	}

	req := runner.Request{
		ChainID:        chainID,
		Address:        address,
		IndexInitiator: models.NormalizeAddress(initiator),
		HasBlueCheck:   body.HasBlueCheck,
		Reset:          body.Reset,
	}
	if !s.pool.Submit(s.ctx, req) {
		writeAPIResponse(w, http.StatusOK, map[string]interface{}{"queued": false, "reason": "already queued"}, nil)
		return
	}
	log.Printf("[api] queued collection %s:%s reset=%t", chainID, address, body.Reset)
	writeAPIResponse(w, http.StatusAccepted, map[string]interface{}{"queued": true}, nil)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	chainID, address := pathCollection(r)
	col, err := s.collections.Get(r.Context(), chainID, address)
	if errors.Is(err, store.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "collection not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIResponse(w, http.StatusOK, col, map[string]interface{}{"queued": s.pool.Queued(chainID, address)})
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	chainID, address := pathCollection(r)
	tokens, err := s.tokens.All(r.Context(), chainID, address)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeAPIResponse(w, http.StatusOK, tokens, map[string]interface{}{"count": len(tokens)})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	chainID, address := pathCollection(r)
	tokens, err := s.tokens.All(r.Context(), chainID, address)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+address+`.csv"`)
	if err := export.WriteCSV(w, chainID, address, tokens); err != nil {
		log.Printf("[api] export %s:%s: %v", chainID, address, err)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.collections.Summary(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIResponse(w, http.StatusOK, sum, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string]map[string]int, len(s.queues))
	for _, q := range s.queues {
		queues[q.Name()] = map[string]int{"pending": q.Pending(), "active": q.Active()}
	}
	var active []runner.Progress
	if s.progress != nil {
		active = s.progress.Active()
	}
	writeAPIResponse(w, http.StatusOK, map[string]interface{}{
		"collections": map[string]int{"pending": s.pool.Pending(), "active": s.pool.Active()},
		"queues":      queues,
		"running":     active,
		"recent":      s.recent.snapshot(),
	}, map[string]interface{}{"commit": BuildCommit})
}

// handleReset clears the checkpoint so the next run starts at the creator
// step. ?enqueue=true also queues the run.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	chainID, address := pathCollection(r)
	if _, err := s.collections.Get(r.Context(), chainID, address); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "collection not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.collections.Reset(r.Context(), chainID, address, s.now()); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[api] reset collection %s:%s by %s", chainID, address, operatorFromContext(r.Context()))

	queued := false
	if q := r.URL.Query().Get("enqueue"); q == "1" || q == "true" {
		queued = s.pool.Submit(s.ctx, runner.Request{ChainID: chainID, Address: address})
	}
	writeAPIResponse(w, http.StatusOK, map[string]interface{}{"reset": true, "queued": queued}, nil)
}

func pathCollection(r *http.Request) (string, string) {
	vars := mux.Vars(r)
	return vars["chainId"], models.NormalizeAddress(vars["address"])
}
