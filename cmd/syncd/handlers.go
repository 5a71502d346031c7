package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/dsprosolution/sync-engine/pkg/app/errors"
	"github.com/dsprosolution/sync-engine/pkg/conflict"
	"github.com/dsprosolution/sync-engine/pkg/engine"
	"github.com/dsprosolution/sync-engine/pkg/queue"
	"github.com/dsprosolution/sync-engine/pkg/store"
)

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, conflict.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrPendingDelete):
		status = http.StatusConflict
	default:
		var svcErr *apperrors.ServiceError
		if errors.As(err, &svcErr) {
			status = svcErr.StatusCode()
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, logger, status, map[string]string{"error": err.Error()})
}

func handleGetStatus(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := eng.Status(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, status)
	}
}

func handleSyncNow(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go eng.SyncNow(context.WithoutCancel(r.Context()))
		writeJSON(w, logger, http.StatusAccepted, map[string]string{"status": "sync started"})
	}
}

func handleListQueue(st *store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		muts, err := st.AllMutations(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]any{"mutations": muts})
	}
}

func handleRetryMutation(q *queue.Queue, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := q.Retry(r.Context(), id); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "requeued"})
	}
}

func handleDiscardMutation(q *queue.Queue, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := q.Discard(r.Context(), id); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "discarded"})
	}
}

func handleListConflicts(cm *conflict.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]any{
			"conflicts": cm.List(),
			"current":   cm.Current(),
		})
	}
}

type resolveRequest struct {
	Resolution conflict.Resolution `json:"resolution"`
	Fields     map[string]string   `json:"fields,omitempty"`
}

func handleResolveConflict(cm *conflict.Manager, q *queue.Queue, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, logger, apperrors.ValidationError(err, "invalid resolution body"))
			return
		}
		if err := cm.Resolve(r.Context(), id, req.Resolution, req.Fields); err != nil {
			writeError(w, logger, err)
			return
		}
		q.Wake()
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "resolved"})
	}
}

func handleResolveAllConflicts(cm *conflict.Manager, q *queue.Queue, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, logger, apperrors.ValidationError(err, "invalid resolution body"))
			return
		}
		if err := cm.ResolveAll(r.Context(), req.Resolution); err != nil {
			writeError(w, logger, err)
			return
		}
		q.Wake()
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "resolved"})
	}
}

func handleListRecords(st *store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		if !store.IsKnownTable(table) {
			writeError(w, logger, apperrors.ResourceNotFoundError(nil, fmt.Sprintf("unknown table %q", table)))
			return
		}
		records, err := st.Query(r.Context(), table, nil, nil)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]any{"records": records})
	}
}

func handleGetRecord(st *store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		id := chi.URLParam(r, "id")
		ent, err := st.Get(r.Context(), table, id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, ent)
	}
}

func handleMutateRecord(q *queue.Queue, op store.MutationOp, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := queue.MutationRequest{
			Table:    chi.URLParam(r, "table"),
			RecordID: chi.URLParam(r, "id"),
			Op:       op,
		}
		if op != store.OpDelete {
			if err := json.NewDecoder(r.Body).Decode(&req.Data); err != nil {
				writeError(w, logger, apperrors.ValidationError(err, "invalid record body"))
				return
			}
		}

		m, err := q.Enqueue(r.Context(), req)
		if err != nil {
			if errors.Is(err, queue.ErrPendingDelete) {
				writeError(w, logger, err)
				return
			}
			writeError(w, logger, apperrors.ValidationError(err, err.Error()))
			return
		}

		status := http.StatusAccepted
		body := map[string]any{"queued": m != nil}
		if m != nil {
			body["mutation_id"] = m.ID
			body["record_id"] = m.RecordID
		}
		if op == store.OpCreate {
			status = http.StatusCreated
		}
		writeJSON(w, logger, status, body)
	}
}

// handleExportBookkeepingCSV streams the local bookkeeping mirror as
// CSV, with amounts rendered as decimal strings.
func handleExportBookkeepingCSV(st *store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := st.Query(r.Context(), "bookkeeping_records", nil, func(a, b store.Entity) bool {
			ad, _ := a["date"].(string)
			bd, _ := b["date"].(string)
			return ad < bd
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=bookkeeping-%s.csv", time.Now().Format("2006-01-02")))

		cw := csv.NewWriter(w)
		defer cw.Flush()

		if err := cw.Write([]string{"id", "date", "category", "description", "amount", "platform", "flagged"}); err != nil {
			logger.Error("Failed to write CSV header", zap.Error(err))
			return
		}
		for _, rec := range records {
			amount := ""
			if cents, ok := store.EntityCents(rec, "amount_cents"); ok {
				amount = store.FormatCents(cents)
			}
			row := []string{
				str(rec["id"]),
				str(rec["date"]),
				str(rec["category"]),
				str(rec["description"]),
				amount,
				str(rec["platform"]),
				fmt.Sprintf("%v", rec["flagged"] == true),
			}
			if err := cw.Write(row); err != nil {
				logger.Error("Failed to write CSV row", zap.Error(err))
				return
			}
		}
	}
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
