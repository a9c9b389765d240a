package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/factlog/internal/engine"
	"github.com/lazypower/factlog/internal/store"
)

const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sub engine.Submission
	if !decode(w, r, &sub) {
		return
	}
	if !s.limiter.Allow(sub.ScopeID) {
		writeError(w, http.StatusTooManyRequests, "ingest rate exceeded for scope")
		return
	}

	res, err := s.engine.Ingest(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetFact(w http.ResponseWriter, r *http.Request) {
	f, err := s.db.GetFact(r.Context(), chi.URLParam(r, "factID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "fact not found")
		return
	}
	writeJSON(w, http.StatusOK, viewFact(*f))
}

// handleListFacts resolves ?hash= to a single fact, or lists by filter.
func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if hash := q.Get("hash"); hash != "" {
		f, err := s.db.GetFactByHash(r.Context(), hash)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if f == nil {
			writeError(w, http.StatusNotFound, "fact not found")
			return
		}
		writeJSON(w, http.StatusOK, viewFact(*f))
		return
	}

	filter := store.FactFilter{
		ScopeID: q.Get("scope_id"),
		Type:    q.Get("type"),
		State:   q.Get("state"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	facts, err := s.db.ListFacts(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]factView, len(facts))
	for i, f := range facts {
		out[i] = viewFact(f)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "facts": out})
}

func (s *Server) handleFactEvents(w http.ResponseWriter, r *http.Request) {
	factID := chi.URLParam(r, "factID")
	events, err := s.db.ListEvents(r.Context(), factID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]eventView, len(events))
	for i, e := range events {
		out[i] = eventView{
			ID:         e.ID,
			Type:       e.Type,
			Payload:    e.Payload,
			Source:     e.Source,
			ActorType:  e.ActorType,
			ActorID:    e.ActorID,
			OccurredAt: e.OccurredAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fact_id": factID, "events": out})
}

func (s *Server) handleFactVersions(w http.ResponseWriter, r *http.Request) {
	factID := chi.URLParam(r, "factID")
	versions, err := s.db.ListVersions(r.Context(), factID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]versionView, len(versions))
	for i, v := range versions {
		out[i] = versionView{VersionNo: v.VersionNo, AsOf: v.AsOf, Snapshot: v.Snapshot}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fact_id": factID, "versions": out})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var a engine.Allocation
	if !decode(w, r, &a) {
		return
	}
	res, err := s.engine.Allocate(r.Context(), a)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "deliveryID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.SetDeliveryStatus(r.Context(), id, req.Status); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.db.GetDelivery(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "delivery_status": d.Status})
}

func (s *Server) handleRecipientDeliveries(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipientID")
	q := r.URL.Query()
	includeSuppressed, _ := strconv.ParseBool(q.Get("include_suppressed"))
	limit := 50
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	ds, err := s.db.ListRecipientDeliveries(r.Context(), recipient, includeSuppressed, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]deliveryView, len(ds))
	for i, d := range ds {
		out[i] = viewDelivery(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recipient_id": recipient,
		"count":        len(out),
		"deliveries":   out,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeliveryID  int64    `json:"delivery_id"`
		RecipientID string   `json:"recipient_id"`
		Rating      int      `json:"rating"`
		Tags        []string `json:"tags"`
		Comment     string   `json:"comment"`
	}
	if !decode(w, r, &req) {
		return
	}
	fb, err := s.engine.RecordFeedback(r.Context(), store.Feedback{
		DeliveryID:  req.DeliveryID,
		RecipientID: req.RecipientID,
		Rating:      req.Rating,
		Tags:        req.Tags,
		Comment:     req.Comment,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           fb.ID,
		"delivery_id":  fb.DeliveryID,
		"recipient_id": fb.RecipientID,
		"rating":       fb.Rating,
	})
}

func (s *Server) handleReduce(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Reduce(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Rank(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
