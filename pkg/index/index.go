// Package index keeps an in-memory bleve index of the current item graph
// of every live persistent root, refreshed from store notifications.
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

const (
	contentAnalyzerName    = "contentEdgeNgram"
	contentTokenFilterName = "contentEdgeFilter"

	defaultLimit = 25
	queueSize    = 256
)

// Hit is an item whose indexed text matched a query.
type Hit struct {
	Root  uuid.UUID
	Item  uuid.UUID
	Score float64
}

type Indexer struct {
	log *slog.Logger
	s   *store.Store
	bi  bleve.Index

	// mu guards docs and serializes index updates.
	mu   sync.Mutex
	docs map[uuid.UUID][]string

	queue     chan uuid.UUID
	quit      chan struct{}
	wg        sync.WaitGroup
	cancel    func()
	closeOnce sync.Once
}

func buildIndexMapping() (mapping.IndexMapping, error) {
	defaultMapping := bleve.NewDocumentMapping()
	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = contentAnalyzerName
	defaultMapping.AddFieldMappingsAt("content", contentField)

	idxMapping := bleve.NewIndexMapping()
	idxMapping.DefaultMapping = defaultMapping
	idxMapping.DefaultAnalyzer = contentAnalyzerName

	if err := idxMapping.AddCustomTokenFilter(contentTokenFilterName, map[string]any{
		"type": edgengram.Name,
		"min":  3.0,
		"max":  25.0,
	}); err != nil {
		return nil, fmt.Errorf("add token filter: %w", err)
	}

	if err := idxMapping.AddCustomAnalyzer(contentAnalyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			contentTokenFilterName,
		},
	}); err != nil {
		return nil, fmt.Errorf("add analyzer: %w", err)
	}

	return idxMapping, nil
}

func NewIndexer(s *store.Store, logger *slog.Logger) (*Indexer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := buildIndexMapping()
	if err != nil {
		return nil, err
	}
	bi, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Indexer{
		log:   logger,
		s:     s,
		bi:    bi,
		docs:  make(map[uuid.UUID][]string),
		queue: make(chan uuid.UUID, queueSize),
		quit:  make(chan struct{}),
	}, nil
}

// Start indexes every root and then follows the store's notifications.
func (idx *Indexer) Start() error {
	if err := idx.ReindexAll(); err != nil {
		return err
	}
	idx.cancel = idx.s.Subscribe(func(n store.Notification) {
		for _, root := range n.Roots {
			select {
			case idx.queue <- root:
			default:
				idx.log.Warn("index refresh dropped", "root", root)
			}
		}
	})
	idx.wg.Add(1)
	go idx.refreshLoop()
	return nil
}

func (idx *Indexer) refreshLoop() {
	defer idx.wg.Done()
	for {
		select {
		case root := <-idx.queue:
			if err := idx.IndexRoot(root); err != nil {
				idx.log.Error("index refresh failed", "root", root, "error", err)
			}
		case <-idx.quit:
			return
		}
	}
}

func (idx *Indexer) Close() error {
	var err error
	idx.closeOnce.Do(func() {
		if idx.cancel != nil {
			idx.cancel()
		}
		close(idx.quit)
		idx.wg.Wait()
		err = idx.bi.Close()
	})
	return err
}

// ReindexAll indexes every persistent root of the store. Failures of
// single roots are logged and skipped.
func (idx *Indexer) ReindexAll() error {
	roots, err := idx.s.PersistentRoots()
	if err != nil {
		return fmt.Errorf("list persistent roots: %w", err)
	}
	for _, root := range roots {
		if err := idx.IndexRoot(root); err != nil {
			idx.log.Error("reindex: index root failed", "root", root, "error", err)
		}
	}
	idx.log.Info("reindex: completed", "roots", len(roots))
	return nil
}

// IndexRoot replaces the documents of root with its current items. Roots
// that are deleted or gone are removed from the index.
func (idx *Indexer) IndexRoot(root uuid.UUID) error {
	info, err := idx.s.PersistentRootInfo(root)
	if errors.Is(err, store.ErrNotFound) || (err == nil && info.Deleted) {
		return idx.RemoveRoot(root)
	}
	if err != nil {
		return err
	}
	g, err := idx.s.CurrentItemGraph(root)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	batch := idx.bi.NewBatch()
	for _, id := range idx.docs[root] {
		batch.Delete(id)
	}
	live := g.Reachable()
	ids := make([]string, 0, len(live))
	for _, it := range g.Items() {
		if _, ok := live[it.UUID()]; !ok {
			continue
		}
		id := docID(root, it.UUID())
		if err := batch.Index(id, document(root, it)); err != nil {
			return fmt.Errorf("index item %s: %w", it.UUID(), err)
		}
		ids = append(ids, id)
	}
	if err := idx.bi.Batch(batch); err != nil {
		return err
	}
	idx.docs[root] = ids
	return nil
}

func (idx *Indexer) RemoveRoot(root uuid.UUID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids, ok := idx.docs[root]
	if !ok {
		return nil
	}
	batch := idx.bi.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := idx.bi.Batch(batch); err != nil {
		return err
	}
	delete(idx.docs, root)
	return nil
}

func docID(root, id uuid.UUID) string { return root.String() + "/" + id.String() }

func document(root uuid.UUID, it *item.Item) map[string]any {
	attrs := make(map[string]any)
	var content []string
	for _, name := range it.Attributes() {
		v, _ := it.Value(name)
		text := textOf(v)
		if text == "" {
			continue
		}
		attrs[name] = text
		content = append(content, text)
	}
	return map[string]any{
		"root":    root.String(),
		"entity":  it.EntityName(),
		"content": strings.Join(content, " "),
		"attrs":   attrs,
	}
}

// textOf renders the searchable text of v. References, blobs and
// attachments have none.
func textOf(v item.Value) string {
	if v.Type().Multivalued() {
		parts := make([]string, 0, v.Len())
		for _, e := range v.Elements() {
			if t := textOf(e); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, " ")
	}
	switch v.Type().Primitive {
	case item.String:
		return v.Str()
	case item.Int64, item.Double:
		return v.String()
	}
	return ""
}

// Search matches text against all text of an item.
func (idx *Indexer) Search(text string, limit int) ([]Hit, error) {
	match := bleve.NewMatchQuery(text)
	match.SetField("content")
	match.Analyzer = contentAnalyzerName
	return idx.run(match, limit)
}

// SearchAttribute matches text against one attribute.
func (idx *Indexer) SearchAttribute(attr, text string, limit int) ([]Hit, error) {
	match := bleve.NewMatchQuery(text)
	match.SetField("attrs." + attr)
	match.Analyzer = contentAnalyzerName
	return idx.run(match, limit)
}

func (idx *Indexer) run(q query.Query, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	res, err := idx.bi.Search(bleve.NewSearchRequestOptions(q, limit, 0, false))
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if hit == nil {
			continue
		}
		rootStr, itemStr, ok := strings.Cut(hit.ID, "/")
		if !ok {
			continue
		}
		root, err := uuid.Parse(rootStr)
		if err != nil {
			continue
		}
		id, err := uuid.Parse(itemStr)
		if err != nil {
			continue
		}
		out = append(out, Hit{Root: root, Item: id, Score: hit.Score})
	}
	return out, nil
}
