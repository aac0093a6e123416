package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"bookbot/internal/index"
	"bookbot/internal/store"
)

// Index is the slice of the vector index the librarian maintains.
type Index interface {
	Has(ctx context.Context, ref string) (bool, error)
	Upsert(ctx context.Context, ref string, documentID uuid.UUID, kind, text string) (string, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// LibrarianAgent owns persistence actions: finalizing a summarized
// document, marking one failed, and deleting one outright.
type LibrarianAgent struct {
	store store.Store
	index Index
	log   *slog.Logger
}

func NewLibrarian(st store.Store, idx Index, log *slog.Logger) *LibrarianAgent {
	return &LibrarianAgent{store: st, index: idx, log: log}
}

func (a *LibrarianAgent) Kind() Kind { return KindLibrarian }

func (a *LibrarianAgent) Handle(ctx context.Context, task Task) Outcome {
	payload, err := decodePayload(task)
	if err != nil {
		return Fatal(err)
	}
	switch payload.Action {
	case ActionFinalize:
		return classify(a.Finalize(ctx, payload.DocumentID))
	case ActionMarkFailed:
		return classify(a.MarkFailed(ctx, payload.DocumentID, payload.Reason))
	case ActionDelete:
		return classify(a.Delete(ctx, payload.DocumentID))
	default:
		return Fatal(fmt.Errorf("unknown librarian action %q", payload.Action))
	}
}

// Finalize verifies every live summary node is present in the vector index,
// re-upserting any that a crash left behind (their embeddings come from
// cache, so verification is free), then marks the document indexed.
func (a *LibrarianAgent) Finalize(ctx context.Context, docID uuid.UUID) error {
	nodes, err := a.store.ListSummaryNodes(ctx, docID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("document %s has no summary nodes to finalize", docID)
	}
	for _, node := range nodes {
		ok, err := a.index.Has(ctx, node.EmbeddingRef)
		if err != nil {
			return fmt.Errorf("checking index for %s: %w", node.EmbeddingRef, err)
		}
		if ok {
			continue
		}
		a.log.Warn("summary node missing from index, repairing",
			"document_id", docID, "ref", node.EmbeddingRef)
		if _, err := a.index.Upsert(ctx, node.EmbeddingRef, docID, indexKind(node.Level), node.Text); err != nil {
			return fmt.Errorf("repairing index entry %s: %w", node.EmbeddingRef, err)
		}
	}
	if err := a.store.UpdateDocumentStatus(ctx, docID, store.StatusIndexed); err != nil {
		return err
	}
	a.log.Info("document finalized", "document_id", docID, "nodes", len(nodes))
	return nil
}

// MarkFailed pins the document to failed with the reason in the log. A
// document deleted in the meantime counts as done.
func (a *LibrarianAgent) MarkFailed(ctx context.Context, docID uuid.UUID, reason string) error {
	a.log.Warn("marking document failed", "document_id", docID, "reason", reason)
	err := a.store.UpdateDocumentStatus(ctx, docID, store.StatusFailed)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return nil
	}
	return err
}

// Delete removes the document's vectors and rows. Already-deleted documents
// count as success so redelivered tasks stay idempotent.
func (a *LibrarianAgent) Delete(ctx context.Context, docID uuid.UUID) error {
	if err := a.index.DeleteByDocument(ctx, docID); err != nil {
		return fmt.Errorf("deleting index records: %w", err)
	}
	if err := a.store.DeleteDocument(ctx, docID); err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	a.log.Info("document deleted", "document_id", docID)
	return nil
}

func indexKind(level store.SummaryLevel) string {
	if level == store.LevelBook {
		return index.KindBook
	}
	return index.KindChapter
}
