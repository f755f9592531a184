// Package deadletter persists batches that exhausted their delivery
// retries so the pipeline can advance without silently dropping them.
package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/opensearch"
)

// Writer appends failed batches to an on-disk area, one NDJSON file per
// batch, in the same document form the store would have received.
type Writer struct {
	dir string
	log log.Modular
}

// NewWriter creates the dead-letter directory if needed.
func NewWriter(dir string, l log.Modular) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	return &Writer{dir: dir, log: l}, nil
}

// Write persists one batch and returns the file it was written to.
func (w *Writer) Write(docs []opensearch.Document) (string, error) {
	name := fmt.Sprintf("%v-%v.ndjson", time.Now().UnixNano(), len(docs))
	path := filepath.Join(w.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create dead-letter file: %w", err)
	}

	enc := json.NewEncoder(f)
	for _, doc := range docs {
		if err == nil {
			err = enc.Encode(doc)
		}
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write dead-letter file: %w", err)
	}

	w.log.Warnf("Dead-lettered a batch of %v documents to '%v'", len(docs), path)
	return path, nil
}
