package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// ErrCorruptSnapshot reports a snapshot that failed validation. Nothing
// is restored from such a file.
var ErrCorruptSnapshot = errors.New("index: corrupt snapshot")

// Snapshot is the portable on-disk form of the whole index. It carries
// the raw vectors, so restoring never recomputes an embedding.
type Snapshot struct {
	Version    int       `json:"version"`
	Dimensions int       `json:"dimensions"`
	ExportedAt time.Time `json:"exported_at"`
	Records    []Record  `json:"records"`
}

// writeSnapshot serializes the full store to w.
func writeSnapshot(ctx context.Context, s Store, dims int, now time.Time, w io.Writer) error {
	records, err := s.All(ctx)
	if err != nil {
		return fmt.Errorf("reading index for export: %w", err)
	}
	snap := Snapshot{
		Version:    SnapshotVersion,
		Dimensions: dims,
		ExportedAt: now.UTC(),
		Records:    records,
	}
	if snap.Dimensions == 0 && len(records) > 0 {
		snap.Dimensions = len(records[0].Vector)
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return nil
}

// readSnapshot validates a snapshot and atomically replaces the store's
// contents with it, returning the number of restored records. On any
// error the store is untouched.
func readSnapshot(ctx context.Context, s Store, dims int, r io.Reader) (int, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Version != SnapshotVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}
	if dims > 0 && snap.Dimensions != dims {
		return 0, fmt.Errorf("%w: snapshot has %d dimensions, index expects %d",
			ErrCorruptSnapshot, snap.Dimensions, dims)
	}
	seen := make(map[string]struct{}, len(snap.Records))
	for i, rec := range snap.Records {
		if rec.Ref == "" {
			return 0, fmt.Errorf("%w: record %d has an empty ref", ErrCorruptSnapshot, i)
		}
		if _, dup := seen[rec.Ref]; dup {
			return 0, fmt.Errorf("%w: duplicate ref %q", ErrCorruptSnapshot, rec.Ref)
		}
		seen[rec.Ref] = struct{}{}
		if snap.Dimensions > 0 && len(rec.Vector) != snap.Dimensions {
			return 0, fmt.Errorf("%w: record %q has %d dimensions, snapshot declares %d",
				ErrCorruptSnapshot, rec.Ref, len(rec.Vector), snap.Dimensions)
		}
	}
	if err := s.Replace(ctx, snap.Records); err != nil {
		return 0, fmt.Errorf("replacing index from snapshot: %w", err)
	}
	return len(snap.Records), nil
}

// sortRecords orders records by insertion time then ref, the order used
// for exports.
func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].InsertedAt.Equal(records[j].InsertedAt) {
			return records[i].InsertedAt.Before(records[j].InsertedAt)
		}
		return records[i].Ref < records[j].Ref
	})
}
