package index

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"panelquery/internal/index/storage"
)

// EngineConfig tunes segment flushing and compaction.
type EngineConfig struct {
	Dir             string
	FlushThresholds FlushThresholds
	MergeThreshold  int
	Logger          *slog.Logger
	Observer        MutationObserver
}

// MutationObserver is notified after every write to an engine.
type MutationObserver interface {
	IndexMutated(ctx context.Context, index string, documents, segments int, walOffset int64, duration time.Duration)
}

// Engine is a single durable index: a mutable writer, sealed segments and a
// write-ahead log replayed on open. It is safe for concurrent use.
type Engine struct {
	def       Definition
	registry  *Registry
	tokenizer Tokenizer
	writer    *InMemoryIndex
	segments  []SegmentSnapshot
	wal       *storage.WAL
	walOffset int64
	logger    *slog.Logger
	observer  MutationObserver

	mergeThreshold int

	mu sync.RWMutex
}

// OpenEngine opens (or creates) the engine for def and replays its log.
func OpenEngine(def Definition, registry *Registry, cfg EngineConfig) (*Engine, error) {
	dir := cfg.Dir
	if dir == "" && registry != nil {
		dir = registry.Path()
	}
	mergeThreshold := cfg.MergeThreshold
	if mergeThreshold <= 0 {
		mergeThreshold = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wal, _, err := storage.OpenWAL(filepath.Join(dir, def.Name))
	if err != nil {
		return nil, fmt.Errorf("open engine %s: %w", def.Name, err)
	}

	tokenizer := TokenizerFor(def.Tokenizer)
	e := &Engine{
		def:            def,
		registry:       registry,
		tokenizer:      tokenizer,
		writer:         NewInMemoryIndex(def, tokenizer, cfg.FlushThresholds),
		wal:            wal,
		logger:         logger,
		observer:       cfg.Observer,
		mergeThreshold: mergeThreshold,
	}

	if err := e.replay(); err != nil {
		_ = wal.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) replay() error {
	start := time.Now()
	records, offset, err := e.wal.Recover(0)
	if err != nil {
		return fmt.Errorf("replay %s: %w", e.def.Name, err)
	}

	e.def.Metadata.Segments = []SegmentMetadata{}
	for _, record := range records {
		switch record.Operation {
		case storage.OpReset:
			e.clear()
		case storage.OpDelete:
			e.apply(Document{Key: record.Key, Deleted: true})
		default:
			e.apply(Document{Key: record.Key, Fields: record.Fields})
		}
	}
	if e.writer.Len() > 0 {
		e.seal()
	}
	e.compactLocked()
	e.walOffset = offset

	e.logger.Debug("index replayed", "index", e.def.Name, "records", len(records), "segments", len(e.segments), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// apply buffers doc, sealing the writer when it reaches its thresholds.
func (e *Engine) apply(doc Document) {
	if err := e.writer.IndexDocument(doc); err != nil {
		return
	}
	if e.writer.ShouldFlush() {
		e.seal()
	}
}

// seal turns the writer's buffer into a new segment.
func (e *Engine) seal() {
	snapshot := e.writer.Flush()
	e.segments = append(e.segments, snapshot)
	e.def.Metadata.Segments = append(e.def.Metadata.Segments, SegmentMetadata{
		ID:            fmt.Sprintf("seg-%d-%d", time.Now().UnixNano(), len(e.segments)),
		DocumentCount: snapshot.Stats.TotalDocs,
	})
}

func (e *Engine) clear() {
	e.writer = NewInMemoryIndex(e.def, e.tokenizer, e.writer.thresholds)
	e.segments = nil
	e.def.Metadata.Segments = []SegmentMetadata{}
}

// Definition returns the engine's index definition.
func (e *Engine) Definition() Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.def
}

// Upsert logs and indexes docs. Documents without a key are rejected and
// reported in the returned error strings.
func (e *Engine) Upsert(ctx context.Context, docs []Document) (int, []string, error) {
	records := make([]storage.WALRecord, 0, len(docs))
	var errs []string
	accepted := make([]Document, 0, len(docs))
	for i, doc := range docs {
		doc.Key = strings.TrimSpace(doc.Key)
		if doc.Key == "" {
			errs = append(errs, fmt.Sprintf("doc %d: %v", i, errMissingKey))
			continue
		}
		accepted = append(accepted, doc)
		records = append(records, storage.WALRecord{Operation: storage.OpUpsert, Index: e.def.Name, Key: doc.Key, Fields: doc.Fields})
	}
	if len(accepted) == 0 {
		return 0, errs, nil
	}

	err := e.mutate(ctx, records, func() {
		for _, doc := range accepted {
			e.apply(doc)
		}
	})
	if err != nil {
		return 0, errs, err
	}
	return len(accepted), errs, nil
}

// Delete tombstones keys.
func (e *Engine) Delete(ctx context.Context, keys []string) error {
	records := make([]storage.WALRecord, 0, len(keys))
	for _, key := range keys {
		records = append(records, storage.WALRecord{Operation: storage.OpDelete, Index: e.def.Name, Key: key})
	}
	if len(records) == 0 {
		return nil
	}
	return e.mutate(ctx, records, func() {
		for _, key := range keys {
			e.apply(Document{Key: key, Deleted: true})
		}
	})
}

// Reset drops every document.
func (e *Engine) Reset(ctx context.Context) error {
	return e.mutate(ctx, []storage.WALRecord{{Operation: storage.OpReset, Index: e.def.Name}}, e.clear)
}

func (e *Engine) mutate(ctx context.Context, records []storage.WALRecord, fn func()) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	offset, err := e.wal.Append(records...)
	if err != nil {
		return fmt.Errorf("log %s mutation: %w", e.def.Name, err)
	}
	e.walOffset = offset

	fn()
	if e.writer.Len() > 0 {
		e.seal()
	}
	e.compactLocked()

	live := 0
	if len(e.segments) > 0 {
		live = e.segments[0].Stats.TotalDocs
		if len(e.segments) > 1 {
			live = mergeSegments(e.def, e.tokenizer, e.segments).Stats.TotalDocs
		}
	}
	e.def.Metadata.DocCount = live
	e.def.Metadata.WALOffset = offset
	if e.registry != nil {
		if err := e.registry.UpdateDefinition(e.def); err != nil {
			e.logger.Warn("failed to persist index metadata", "index", e.def.Name, "error", err)
		}
	}

	if e.observer != nil {
		e.observer.IndexMutated(ctx, e.def.Name, len(records), len(e.segments), offset, time.Since(start))
	}
	e.logger.Debug("index mutated", "index", e.def.Name, "records", len(records), "segments", len(e.segments), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// compactLocked merges every segment into one once the count reaches the
// merge threshold.
func (e *Engine) compactLocked() {
	if len(e.segments) < e.mergeThreshold {
		return
	}
	start := time.Now()
	merged := mergeSegments(e.def, e.tokenizer, e.segments)
	mergedID := fmt.Sprintf("merge-%d", time.Now().UnixNano())
	previous := len(e.segments)

	e.segments = []SegmentSnapshot{merged}
	e.def.Metadata.Segments = []SegmentMetadata{{ID: mergedID, DocumentCount: merged.Stats.TotalDocs}}
	e.logger.Debug("segments compacted", "index", e.def.Name, "mergedSegments", previous, "docCount", merged.Stats.TotalDocs, "duration_ms", time.Since(start).Milliseconds())
}

// Search runs req against a merged view of every segment.
func (e *Engine) Search(ctx context.Context, req SearchRequest) SearchResponse {
	start := time.Now()
	e.mu.RLock()
	segments := append([]SegmentSnapshot{}, e.segments...)
	def := e.def
	e.mu.RUnlock()

	snapshot := mergeSegments(def, e.tokenizer, segments)
	resp := NewSearcher(def, snapshot, e.tokenizer).Search(req)

	e.logger.DebugContext(ctx, "index searched", "index", def.Name, "query", req.Query, "hits", resp.TotalHits, "duration_ms", time.Since(start).Milliseconds())
	return resp
}

// Stats reports the live document count and segment count.
func (e *Engine) Stats() (docs int, segments int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.def.Metadata.DocCount, len(e.segments)
}

// WALOffset returns the size of the write-ahead log.
func (e *Engine) WALOffset() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.walOffset
}

func (e *Engine) Close() error {
	return e.wal.Close()
}

// mergeSegments folds segments, oldest first, into one snapshot. The newest
// version of each key wins, and only its postings are kept.
func mergeSegments(def Definition, tokenizer Tokenizer, segments []SegmentSnapshot) SegmentSnapshot {
	merged := SegmentSnapshot{
		Postings: make(map[string][]Posting),
		Docs:     []Document{},
		Stats:    BM25Stats{AvgFieldLengths: make(map[string]float64)},
	}
	if len(segments) == 0 {
		return merged
	}
	if len(segments) == 1 {
		return segments[0]
	}

	owner := make(map[string]int)
	latest := make(map[string]Document)
	for i, seg := range segments {
		for _, doc := range seg.Docs {
			owner[doc.Key] = i
			latest[doc.Key] = doc
		}
	}

	for i, seg := range segments {
		for term, postings := range seg.Postings {
			for _, p := range postings {
				if owner[p.Key] != i || latest[p.Key].Deleted {
					continue
				}
				merged.Postings[term] = append(merged.Postings[term], p)
			}
		}
	}
	for term, postings := range merged.Postings {
		sort.Slice(postings, func(i, j int) bool { return postings[i].Key < postings[j].Key })
		merged.Postings[term] = postings
	}

	keys := make([]string, 0, len(latest))
	for key, doc := range latest {
		if !doc.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return compareKeys(keys[i], keys[j]) < 0 })
	for _, key := range keys {
		merged.Docs = append(merged.Docs, latest[key])
	}

	merged.Stats = rebuildStats(def, tokenizer, merged.Docs)
	return merged
}

func rebuildStats(def Definition, tokenizer Tokenizer, docs []Document) BM25Stats {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer(nil)
	}

	lengths := make(map[string]map[string]int, len(docs))
	for _, doc := range docs {
		perField := make(map[string]int)
		for fieldName, fieldDef := range def.Fields {
			value, ok := doc.Fields[fieldName]
			if !ok || value == nil || fieldDef.FilterOnly {
				continue
			}

			switch fieldDef.Type {
			case FieldTypeText:
				perField[fieldName] = len(tokenizer.Tokenize(fmt.Sprint(value)))
			case FieldTypeKeyword:
				switch v := value.(type) {
				case []string:
					perField[fieldName] = len(v)
				case []any:
					perField[fieldName] = len(v)
				default:
					if strings.TrimSpace(fmt.Sprint(v)) != "" {
						perField[fieldName] = 1
					}
				}
			}
		}
		lengths[doc.Key] = perField
	}
	return statsFor(lengths)
}
