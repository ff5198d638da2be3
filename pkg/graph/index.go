package graph

import "github.com/orneryd/graphobjects/pkg/storage"

// Document is the indexed form of a node: its fulltext properties as text.
type Document struct {
	ID     storage.NodeID
	UUID   string
	Type   string
	Labels []string
	Fields map[string]string
}

// Indexer receives index updates after a transaction committed.
type Indexer interface {
	IndexDocument(doc Document) error
	RemoveDocument(id storage.NodeID) error
}

// IndexOp is one staged index change.
type IndexOp struct {
	Remove bool
	ID     storage.NodeID
	Doc    Document
}

// IndexBatch stages index changes during validation so nothing reaches the
// index before the transaction commits.
type IndexBatch struct {
	ops []IndexOp
}

// Index stages doc.
func (b *IndexBatch) Index(doc Document) {
	b.ops = append(b.ops, IndexOp{ID: doc.ID, Doc: doc})
}

// Remove stages the removal of a node.
func (b *IndexBatch) Remove(id storage.NodeID) {
	b.ops = append(b.ops, IndexOp{Remove: true, ID: id})
}

// Ops returns the staged changes in staging order.
func (b *IndexBatch) Ops() []IndexOp { return b.ops }

func (b *IndexBatch) Len() int { return len(b.ops) }

// Apply sends the staged changes to idx. It stops at the first error.
func (b *IndexBatch) Apply(idx Indexer) error {
	if idx == nil {
		return nil
	}
	for _, op := range b.ops {
		var err error
		if op.Remove {
			err = idx.RemoveDocument(op.ID)
		} else {
			err = idx.IndexDocument(op.Doc)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
