package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bookbot/internal/agent"
	"bookbot/internal/app"
	"bookbot/internal/gateway"
	"bookbot/internal/httputil"
	"bookbot/internal/index"
	"bookbot/internal/ledger"
	"bookbot/internal/llm"
	"bookbot/internal/store"
)

type ingestChapter struct {
	Title string `json:"title" validate:"max=512"`
	Text  string `json:"text" validate:"required"`
}

type ingestRequest struct {
	Title       string          `json:"title" validate:"required,max=512"`
	Author      string          `json:"author" validate:"max=512"`
	ContentHash string          `json:"content_hash" validate:"omitempty,len=64,hexadecimal"`
	Chapters    []ingestChapter `json:"chapters" validate:"required,min=1,dive"`
}

type queryRequest struct {
	Question string `json:"question" validate:"required"`
	TopK     int    `json:"top_k" validate:"omitempty,gte=1,lte=50"`
}

func registerRoutes(r chi.Router, deps *app.Deps) {
	r.Post("/api/documents", ingestHandler(deps))
	r.Get("/api/documents", listDocumentsHandler(deps))
	r.Get("/api/documents/{id}", getDocumentHandler(deps))
	r.Delete("/api/documents/{id}", deleteDocumentHandler(deps))
	r.Post("/api/sync", syncHandler(deps))
	r.Get("/api/search", searchHandler(deps))
	r.Post("/api/query", queryHandler(deps))
	r.Get("/api/status", statusHandler(deps))
	r.Get("/api/usage", usageHandler(deps))
	r.Post("/api/index/export", exportIndexHandler(deps))
	r.Post("/api/index/restore", restoreIndexHandler(deps))
	r.Get("/healthz", httputil.HealthHandler(deps.Log))
}

// contentHash derives the dedup key from chapter texts when the caller
// does not supply one. Titles are excluded so a retitled upload of the
// same text still deduplicates.
func contentHash(chapters []ingestChapter) string {
	texts := make([]string, 0, len(chapters))
	for _, ch := range chapters {
		texts = append(texts, ch.Text)
	}
	return gateway.HashText(strings.Join(texts, "\x00"))
}

func ingestHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req ingestRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
			return
		}

		hash := req.ContentHash
		if hash == "" {
			hash = contentHash(req.Chapters)
		}

		// Same content hash means the document is already in the library;
		// no new work is scheduled.
		if existing, err := deps.Store.GetDocumentByHash(ctx, hash); err == nil {
			httputil.WriteJSON(w, http.StatusOK, map[string]any{
				"document":     existing,
				"deduplicated": true,
			})
			return
		} else if !errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "failed to check for existing document", err, http.StatusInternalServerError)
			return
		}

		doc, err := deps.Store.CreateDocument(ctx, store.Document{
			Title:        req.Title,
			Author:       req.Author,
			ContentHash:  hash,
			ChapterCount: len(req.Chapters),
		})
		if errors.Is(err, store.ErrDuplicateDocument) {
			// Lost a race against an identical concurrent ingest.
			existing, gerr := deps.Store.GetDocumentByHash(ctx, hash)
			if gerr != nil {
				httputil.Fail(deps.Log, w, "failed to load existing document", gerr, http.StatusInternalServerError)
				return
			}
			httputil.WriteJSON(w, http.StatusOK, map[string]any{
				"document":     existing,
				"deduplicated": true,
			})
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to persist document", err, http.StatusInternalServerError)
			return
		}

		chapters := make([]store.Chapter, 0, len(req.Chapters))
		for i, ch := range req.Chapters {
			chapters = append(chapters, store.Chapter{
				Position: i,
				Title:    ch.Title,
				Text:     ch.Text,
			})
		}
		if _, err := deps.Store.SaveChapters(ctx, doc.ID, chapters); err != nil {
			failDocument(ctx, deps, w, "failed to persist chapters", err, doc.ID)
			return
		}

		taskID, err := deps.Orch.Submit(ctx, agent.KindSelection, agent.Payload{DocumentID: doc.ID})
		if err != nil {
			failDocument(ctx, deps, w, "failed to schedule selection; please retry", err, doc.ID)
			return
		}

		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document": doc,
			"task_id":  taskID,
		})
	}
}

// failDocument marks the document failed before reporting the error, so a
// half-ingested document never lingers as pending.
func failDocument(ctx context.Context, deps *app.Deps, w http.ResponseWriter, message string, err error, docID uuid.UUID) {
	log := deps.Log.With("document_id", docID)
	if upErr := deps.Store.UpdateDocumentStatus(ctx, docID, store.StatusFailed); upErr != nil {
		log.Error("failed to mark document failed", "err", upErr)
	}
	httputil.Fail(log, w, message, err, http.StatusInternalServerError)
}

func listDocumentsHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.ListDocuments(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to list documents", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"documents": docs,
			"count":     len(docs),
		})
	}
}

func getDocumentHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		doc, err := deps.Store.GetDocument(ctx, docID)
		if errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusInternalServerError)
			return
		}

		resp := map[string]any{"document": doc}
		if doc.Status == store.StatusIndexed {
			nodes, err := deps.Store.ListSummaryNodes(ctx, docID)
			if err != nil {
				deps.Log.Warn("failed to load summary nodes", "document_id", docID, "err", err)
			}
			for _, n := range nodes {
				if n.Level == store.LevelBook {
					resp["summary"] = n.Text
					break
				}
			}
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func deleteDocumentHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		docID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Fail(deps.Log, w, "invalid document id", err, http.StatusBadRequest)
			return
		}
		if _, err := deps.Store.GetDocument(ctx, docID); errors.Is(err, store.ErrDocumentNotFound) {
			httputil.Fail(deps.Log, w, "document not found", err, http.StatusNotFound)
			return
		} else if err != nil {
			httputil.Fail(deps.Log, w, "failed to load document", err, http.StatusInternalServerError)
			return
		}

		// The librarian owns deletion so vectors, summaries and the
		// document row go together even if this request is interrupted.
		taskID, err := deps.Orch.Submit(ctx, agent.KindLibrarian, agent.Payload{
			DocumentID: docID,
			Action:     agent.ActionDelete,
		})
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to schedule deletion", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id": docID,
			"task_id":     taskID,
		})
	}
}

func syncHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		docs, err := deps.Store.ListDocuments(ctx)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to list documents", err, http.StatusInternalServerError)
			return
		}

		scheduled := []uuid.UUID{}
		skipped := []uuid.UUID{}
		failed := []uuid.UUID{}
		for _, doc := range docs {
			var kind agent.Kind
			switch {
			case doc.Status.Terminal():
				skipped = append(skipped, doc.ID)
				continue
			case doc.Status == store.StatusPending:
				kind = agent.KindSelection
			default:
				// Mid-pipeline documents get a summarization task; the
				// pipeline resumes from whatever already persisted.
				kind = agent.KindSummarization
			}
			if _, err := deps.Orch.Submit(ctx, kind, agent.Payload{DocumentID: doc.ID}); err != nil {
				deps.Log.Error("sync: failed to schedule task", "document_id", doc.ID, "kind", kind, "err", err)
				failed = append(failed, doc.ID)
				continue
			}
			scheduled = append(scheduled, doc.ID)
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"scheduled": scheduled,
			"skipped":   skipped,
			"failed":    failed,
		})
	}
}

func searchHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httputil.Fail(deps.Log, w, "query parameter q is required", nil, http.StatusBadRequest)
			return
		}
		k := 0
		if raw := r.URL.Query().Get("k"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				httputil.Fail(deps.Log, w, "k must be a positive integer", err, http.StatusBadRequest)
				return
			}
			k = parsed
		}

		results, err := deps.Orch.Search(r.Context(), q, k)
		if err != nil {
			failProvider(deps, w, "search failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"results": results,
			"count":   len(results),
		})
	}
}

func queryHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.Fail(deps.Log, w, err.Error(), err, http.StatusBadRequest)
			return
		}
		req.Question = strings.TrimSpace(req.Question)
		if req.Question == "" {
			httputil.Fail(deps.Log, w, "question must not be empty", nil, http.StatusBadRequest)
			return
		}
		answer, err := deps.Orch.Ask(r.Context(), req.Question, req.TopK)
		if err != nil {
			failProvider(deps, w, "query failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, answer)
	}
}

// failProvider maps errors from retrieval and synthesis onto API status
// codes: quota exhaustion is retry-later, a non-transient provider error
// is a bad gateway, corrupt index state is internal.
func failProvider(deps *app.Deps, w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, gateway.ErrQuotaTimeout):
		httputil.Fail(deps.Log, w, "provider quota exhausted; try again shortly", err, http.StatusServiceUnavailable)
	case errors.Is(err, index.ErrCorrupt):
		httputil.Fail(deps.Log, w, "vector index unavailable", err, http.StatusInternalServerError)
	default:
		var pe *llm.ProviderError
		if errors.As(err, &pe) {
			httputil.Fail(deps.Log, w, "provider call failed", err, http.StatusBadGateway)
			return
		}
		httputil.Fail(deps.Log, w, message, err, http.StatusInternalServerError)
	}
}

func statusHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		status := deps.Orch.Status()
		quota, totals, err := deps.Gateway.Usage(ctx)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read usage ledger", err, http.StatusInternalServerError)
			return
		}
		resp := map[string]any{
			"agents":       status.Agents,
			"tasks":        status.Tasks,
			"dead_letters": status.DeadLetters,
			"quota":        quota,
			"usage":        totals,
		}
		if count, err := deps.Index.Count(ctx); err != nil {
			deps.Log.Warn("failed to count index records", "err", err)
		} else {
			resp["index_records"] = count
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func usageHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var from, to time.Time
		if raw := r.URL.Query().Get("from"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httputil.Fail(deps.Log, w, "from must be RFC 3339", err, http.StatusBadRequest)
				return
			}
			from = parsed
		}
		to = time.Now().Add(time.Second)
		if raw := r.URL.Query().Get("to"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httputil.Fail(deps.Log, w, "to must be RFC 3339", err, http.StatusBadRequest)
				return
			}
			to = parsed
		}

		entries, err := deps.Ledger.Between(r.Context(), from, to)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read usage ledger", err, http.StatusInternalServerError)
			return
		}
		var totals ledger.Totals
		for _, e := range entries {
			totals.Calls++
			totals.InputTokens += int64(e.InputTokens)
			totals.OutputTokens += int64(e.OutputTokens)
			totals.CostUSD += e.CostUSD
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"totals":  totals,
		})
	}
}

func exportIndexHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		path := deps.Config.SnapshotFile()

		// Write to a temp file and rename so a crash mid-export never
		// clobbers the previous snapshot.
		tmp := path + ".tmp"
		f, err := os.Create(tmp)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to create snapshot file", err, http.StatusInternalServerError)
			return
		}
		if err := deps.Index.Export(ctx, f); err != nil {
			f.Close()
			os.Remove(tmp)
			httputil.Fail(deps.Log, w, "failed to export index", err, http.StatusInternalServerError)
			return
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			httputil.Fail(deps.Log, w, "failed to flush snapshot file", err, http.StatusInternalServerError)
			return
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			httputil.Fail(deps.Log, w, "failed to finalize snapshot file", err, http.StatusInternalServerError)
			return
		}

		count, err := deps.Index.Count(ctx)
		if err != nil {
			deps.Log.Warn("failed to count index records", "err", err)
		}
		deps.Log.Info("index snapshot written", "path", path, "records", count)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"path":    path,
			"records": count,
		})
	}
}

func restoreIndexHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		path := deps.Config.SnapshotFile()

		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			httputil.Fail(deps.Log, w, "no snapshot file to restore from", err, http.StatusNotFound)
			return
		}
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to open snapshot file", err, http.StatusInternalServerError)
			return
		}
		defer f.Close()

		if err := deps.Index.Restore(ctx, f); err != nil {
			if errors.Is(err, index.ErrCorruptSnapshot) {
				httputil.Fail(deps.Log, w, "snapshot failed validation; index unchanged", err, http.StatusBadRequest)
				return
			}
			httputil.Fail(deps.Log, w, "failed to restore index", err, http.StatusInternalServerError)
			return
		}

		count, err := deps.Index.Count(ctx)
		if err != nil {
			deps.Log.Warn("failed to count index records", "err", err)
		}
		deps.Log.Info("index restored from snapshot", "path", path, "records", count)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"path":    path,
			"records": count,
		})
	}
}
