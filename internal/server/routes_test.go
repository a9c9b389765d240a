package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/lazypower/factlog/internal/config"
)

const ingestBody = `{"scope_id":"s1","source_ref":"m1","item":{"type":"action","topic":"Billing","description":"Migrate invoices","owner_user_id":"u-1","confidence":0.6,"evidence":[{"source_id":"c1","start":0,"end":4}]}}`

type ingestResp struct {
	FactID        string  `json:"fact_id"`
	CanonicalHash string  `json:"canonical_hash"`
	ItemHash      string  `json:"item_hash"`
	Created       bool    `json:"created"`
	Confidence    float64 `json:"confidence"`
}

func ingestOne(t *testing.T, srv *Server) ingestResp {
	t.Helper()
	var res ingestResp
	if code := do(t, srv, "POST", "/api/facts", ingestBody, &res); code != http.StatusCreated {
		t.Fatalf("ingest status = %d", code)
	}
	return res
}

func TestIngestAndGetFact(t *testing.T) {
	srv := testServer(t)
	first := ingestOne(t, srv)
	if !first.Created || first.FactID == "" {
		t.Fatalf("ingest = %+v", first)
	}

	var again ingestResp
	if code := do(t, srv, "POST", "/api/facts", ingestBody, &again); code != http.StatusOK {
		t.Errorf("re-ingest status = %d, want 200", code)
	}
	if again.FactID != first.FactID || again.Created {
		t.Errorf("re-ingest = %+v, want same fact", again)
	}

	var fact map[string]any
	if code := do(t, srv, "GET", "/api/facts/"+first.FactID, "", &fact); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if fact["lifecycle_state"] != "open" || fact["owner_id"] != "u-1" {
		t.Errorf("fact = %v", fact)
	}

	var byHash map[string]any
	if code := do(t, srv, "GET", "/api/facts?hash="+first.CanonicalHash, "", &byHash); code != http.StatusOK {
		t.Fatalf("by hash status = %d", code)
	}
	if byHash["id"] != first.FactID {
		t.Errorf("by hash id = %v", byHash["id"])
	}

	var list struct {
		Count int `json:"count"`
	}
	do(t, srv, "GET", "/api/facts?scope_id=s1&type=action", "", &list)
	if list.Count != 1 {
		t.Errorf("list count = %d", list.Count)
	}
}

func TestIngestErrors(t *testing.T) {
	srv := testServer(t)
	tests := []struct {
		name, body string
		want       int
	}{
		{"bad json", `{"item":`, http.StatusBadRequest},
		{"unknown type", `{"item":{"type":"musing","topic":"x"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code := do(t, srv, "POST", "/api/facts", tt.body, nil); code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, code, tt.want)
		}
	}
}

func TestFactNotFound(t *testing.T) {
	srv := testServer(t)
	for _, path := range []string{"/api/facts/nope", "/api/facts?hash=nope"} {
		if code := do(t, srv, "GET", path, "", nil); code != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want 404", path, code)
		}
	}
}

func TestIngestRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.Server.IngestRate = 0.001
	cfg.Server.IngestBurst = 1
	srv := testServerWith(t, cfg)

	ingestOne(t, srv)
	if code := do(t, srv, "POST", "/api/facts", ingestBody, nil); code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", code)
	}
}

func TestReduceThenHistory(t *testing.T) {
	srv := testServer(t)
	res := ingestOne(t, srv)

	var stats struct {
		Scanned   int `json:"scanned"`
		Persisted int `json:"persisted"`
	}
	if code := do(t, srv, "POST", "/api/reduce", "", &stats); code != http.StatusOK {
		t.Fatalf("reduce status = %d", code)
	}
	if stats.Persisted != 1 {
		t.Errorf("reduce stats = %+v", stats)
	}

	var events struct {
		Events []struct {
			Type string `json:"event_type"`
		} `json:"events"`
	}
	do(t, srv, "GET", "/api/facts/"+res.FactID+"/events", "", &events)
	if len(events.Events) != 4 || events.Events[0].Type != "sighted" || events.Events[3].Type != "state_changed" {
		t.Errorf("events = %+v", events.Events)
	}

	var versions struct {
		Versions []struct {
			VersionNo int            `json:"version_no"`
			Snapshot  map[string]any `json:"snapshot"`
		} `json:"versions"`
	}
	do(t, srv, "GET", "/api/facts/"+res.FactID+"/versions", "", &versions)
	if len(versions.Versions) != 1 || versions.Versions[0].VersionNo != 1 {
		t.Fatalf("versions = %+v", versions.Versions)
	}
	// Owned facts are promoted on their first pass.
	if got := versions.Versions[0].Snapshot["lifecycle_state"]; got != "in_progress" {
		t.Errorf("snapshot state = %v", got)
	}
}

func TestAllocateRankAndFeedback(t *testing.T) {
	srv := testServer(t)
	ingestOne(t, srv)

	alloc := `{"scope_id":"s1","source_ref":"m1","item":{"type":"action","topic":"Billing","description":"Migrate invoices","evidence":[{"source_id":"c1","start":0,"end":4}]},"primary":"u-1","recipients":["u-2"]}`
	var ares struct {
		FactID        string  `json:"fact_id"`
		DeliveryIDs   []int64 `json:"delivery_ids"`
		LinksInserted int     `json:"links_inserted"`
	}
	if code := do(t, srv, "POST", "/api/deliveries", alloc, &ares); code != http.StatusOK {
		t.Fatalf("allocate status = %d", code)
	}
	if len(ares.DeliveryIDs) != 2 || ares.FactID == "" {
		t.Fatalf("allocate = %+v", ares)
	}

	if code := do(t, srv, "POST", "/api/rank", "", nil); code != http.StatusOK {
		t.Fatalf("rank status = %d", code)
	}

	var list struct {
		Deliveries []struct {
			ID    int64   `json:"id"`
			Rank  int     `json:"rank"`
			Score float64 `json:"score"`
		} `json:"deliveries"`
	}
	do(t, srv, "GET", "/api/recipients/u-1/deliveries", "", &list)
	if len(list.Deliveries) != 1 || list.Deliveries[0].Rank != 1 || list.Deliveries[0].Score <= 0 {
		t.Fatalf("u-1 deliveries = %+v", list.Deliveries)
	}

	fb := fmt.Sprintf(`{"delivery_id":%d,"rating":5,"tags":["useful"]}`, ares.DeliveryIDs[0])
	var fres map[string]any
	if code := do(t, srv, "POST", "/api/feedback", fb, &fres); code != http.StatusCreated {
		t.Fatalf("feedback status = %d", code)
	}
	if fres["recipient_id"] != "u-1" {
		t.Errorf("feedback rater = %v, want delivery recipient", fres["recipient_id"])
	}

	status := fmt.Sprintf("/api/deliveries/%d/status", ares.DeliveryIDs[0])
	var sres map[string]any
	if code := do(t, srv, "POST", status, `{"status":"seen"}`, &sres); code != http.StatusOK {
		t.Fatalf("status update = %d", code)
	}
	if sres["delivery_status"] != "seen" {
		t.Errorf("delivery_status = %v", sres["delivery_status"])
	}
}

func TestDeliveryErrors(t *testing.T) {
	srv := testServer(t)
	tests := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/api/deliveries/abc/status", `{"status":"seen"}`, http.StatusBadRequest},
		{"POST", "/api/deliveries/7/status", `{"status":"seen"}`, http.StatusNotFound},
		{"POST", "/api/deliveries/7/status", `{"status":"lost"}`, http.StatusBadRequest},
		{"POST", "/api/deliveries", `{"item":{"type":"risk","topic":"x"}}`, http.StatusBadRequest},
		{"POST", "/api/feedback", `{"delivery_id":7,"rating":3}`, http.StatusNotFound},
		{"POST", "/api/feedback", `{"delivery_id":7,"rating":9}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code := do(t, srv, tt.method, tt.path, tt.body, nil); code != tt.want {
			t.Errorf("%s %s %s: status = %d, want %d", tt.method, tt.path, tt.body, code, tt.want)
		}
	}
}
