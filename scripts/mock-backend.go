// mock-backend.go - In-memory dashboard backend for local testing
//
// Usage:
//   go run scripts/mock-backend.go
//
// Serves the sync and CRUD endpoints syncd talks to, backed by maps.
// Updates check the updated_at stamp and answer 409 on stale writes,
// so conflict handling can be exercised end to end.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	addr     = flag.String("addr", ":9080", "listen address")
	pageSize = flag.Int("page", 100, "max sync page size")
)

type backend struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]any
	nextID int
}

func newBackend() *backend {
	b := &backend{tables: map[string]map[string]map[string]any{}}
	for _, t := range []string{"bookkeeping_records", "sellers", "accounts", "collection_runs"} {
		b.tables[t] = map[string]map[string]any{}
	}
	// A little seed data so a fresh pull is not empty.
	b.tables["sellers"]["seed-1"] = map[string]any{
		"id": "seed-1", "updated_at": stamp(), "name": "Seed Seller", "platform": "vinted",
	}
	return b
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func main() {
	flag.Parse()
	b := newBackend()

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	http.HandleFunc("/", b.route)

	log.Printf("mock backend listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func (b *backend) route(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	b.mu.Lock()
	defer b.mu.Unlock()

	rows, ok := b.tables[parts[0]]
	if !ok {
		http.Error(w, `{"error": "unknown table"}`, http.StatusNotFound)
		return
	}
	table := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodGet:
		b.handleSync(w, r, rows)
	case len(parts) == 1 && r.Method == http.MethodPost:
		b.handleCreate(w, r, table, rows)
	case len(parts) == 2 && r.Method == http.MethodGet:
		b.handleGet(w, rows, parts[1])
	case len(parts) == 2 && r.Method == http.MethodPatch:
		b.handleUpdate(w, r, rows, parts[1])
	case len(parts) == 2 && r.Method == http.MethodDelete:
		b.handleDelete(w, rows, parts[1])
	default:
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
	}
}

func (b *backend) handleSync(w http.ResponseWriter, r *http.Request, rows map[string]map[string]any) {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		start, _ = strconv.Atoi(c)
	}
	limit := *pageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	items := []map[string]any{}
	for _, id := range ids[start:end] {
		items = append(items, rows[id])
	}

	resp := map[string]any{"items": items, "has_more": end < len(ids)}
	if end < len(ids) {
		resp["next_cursor"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *backend) handleCreate(w http.ResponseWriter, r *http.Request, table string, rows map[string]map[string]any) {
	var ent map[string]any
	if err := json.NewDecoder(r.Body).Decode(&ent); err != nil {
		http.Error(w, `{"error": "invalid body"}`, http.StatusBadRequest)
		return
	}
	b.nextID++
	id := fmt.Sprintf("%s-%d", table, b.nextID)
	ent["id"] = id
	ent["updated_at"] = stamp()
	rows[id] = ent
	writeJSON(w, http.StatusCreated, ent)
}

func (b *backend) handleGet(w http.ResponseWriter, rows map[string]map[string]any, id string) {
	ent, ok := rows[id]
	if !ok {
		http.Error(w, `{"error": "record not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (b *backend) handleUpdate(w http.ResponseWriter, r *http.Request, rows map[string]map[string]any, id string) {
	ent, ok := rows[id]
	if !ok {
		http.Error(w, `{"error": "record not found"}`, http.StatusNotFound)
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, `{"error": "invalid body"}`, http.StatusBadRequest)
		return
	}
	if sent, ok := patch["updated_at"].(string); ok && sent != ent["updated_at"] {
		http.Error(w, `{"error": "record was modified by another client"}`, http.StatusConflict)
		return
	}
	for k, v := range patch {
		if k != "id" {
			ent[k] = v
		}
	}
	ent["updated_at"] = stamp()
	writeJSON(w, http.StatusOK, ent)
}

func (b *backend) handleDelete(w http.ResponseWriter, rows map[string]map[string]any, id string) {
	ent, ok := rows[id]
	if !ok {
		http.Error(w, `{"error": "record not found"}`, http.StatusNotFound)
		return
	}
	ent["deleted_at"] = stamp()
	ent["updated_at"] = stamp()
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
