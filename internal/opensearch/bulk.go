package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	os "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/tail"
)

// Document is the serialized form of one log line prepared for the store.
type Document struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"@timestamp"`
	Path      string    `json:"path"`
	Line      int64     `json:"line"`
}

// DocumentFromLine derives a Document from a log line.
func DocumentFromLine(line tail.Line, sourcePath string, ts time.Time) Document {
	return Document{
		Message:   line.Text,
		Timestamp: ts,
		Path:      sourcePath,
		Line:      line.Number,
	}
}

// Rejection reports a document the store refused for a terminal,
// per-document reason such as a mapping conflict.
type Rejection struct {
	Line   int64
	Status int
	Type   string
	Reason string
}

// BulkResult is the per-batch delivery outcome of one accepted bulk
// request.
type BulkResult struct {
	Accepted int
	Rejected []Rejection
}

// RetriableError marks destination failures worth retrying: transient
// network errors, overload responses and 5xx-class conditions.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return e.Err.Error() }

func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err as a RetriableError.
func Retriable(err error) error {
	return &RetriableError{Err: err}
}

// IsRetriable reports whether err is worth retrying.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// BulkWriter performs single bulk index attempts against one destination
// index. Retrying is the caller's responsibility.
type BulkWriter struct {
	client *os.Client
	index  string
	log    log.Modular
}

// NewBulkWriter returns a writer delivering documents to the named index.
func NewBulkWriter(client *os.Client, index string, l log.Modular) *BulkWriter {
	return &BulkWriter{client: client, index: index, log: l}
}

// Write sends one bulk request containing all documents. Request-level
// overload or 5xx conditions, and any document returning one, surface as a
// RetriableError so the caller retries the whole batch. Terminal document
// rejections are reported in the result and never block the batch.
func (w *BulkWriter) Write(ctx context.Context, docs []Document) (BulkResult, error) {
	action, err := json.Marshal(map[string]map[string]string{
		"index": {"_index": w.index},
	})
	if err != nil {
		return BulkResult{}, err
	}

	var body bytes.Buffer
	for _, doc := range docs {
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return BulkResult{}, fmt.Errorf("failed to serialize document for line %v: %w", doc.Line, err)
		}
		body.Write(action)
		body.WriteByte('\n')
		body.Write(docBytes)
		body.WriteByte('\n')
	}

	res, err := opensearchapi.BulkRequest{Body: bytes.NewReader(body.Bytes())}.Do(ctx, w.client)
	if err != nil {
		return BulkResult{}, Retriable(fmt.Errorf("bulk request failed: %w", err))
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return BulkResult{}, Retriable(fmt.Errorf("failed to read bulk response: %w", err))
	}
	w.log.Debugf("Bulk response status %v: %s", res.StatusCode, raw)

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return BulkResult{}, Retriable(fmt.Errorf("store returned status %v for bulk request", res.StatusCode))
	}
	if res.IsError() {
		return BulkResult{}, fmt.Errorf("store rejected the bulk request with status %v: %s", res.StatusCode, raw)
	}

	var parsed struct {
		Items []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return BulkResult{}, fmt.Errorf("failed to parse bulk response: %w", err)
	}
	if len(parsed.Items) != len(docs) {
		return BulkResult{}, fmt.Errorf("bulk response reported %v items for %v documents sent", len(parsed.Items), len(docs))
	}

	var result BulkResult
	for i, item := range parsed.Items {
		for _, entry := range item {
			switch {
			case entry.Status == http.StatusTooManyRequests || entry.Status >= 500:
				return BulkResult{}, Retriable(fmt.Errorf("document for line %v returned status %v", docs[i].Line, entry.Status))
			case entry.Status >= 400:
				rej := Rejection{Line: docs[i].Line, Status: entry.Status}
				if entry.Error != nil {
					rej.Type = entry.Error.Type
					rej.Reason = entry.Error.Reason
				}
				result.Rejected = append(result.Rejected, rej)
			default:
				result.Accepted++
			}
		}
	}
	return result, nil
}
