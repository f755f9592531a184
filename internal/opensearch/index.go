package opensearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	os "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/tracetail/tracetail/internal/log"
)

// defaultMapping covers the fields of every exported document.
const defaultMapping = `{
  "mappings": {
    "properties": {
      "message":    { "type": "text" },
      "@timestamp": { "type": "date" },
      "path":       { "type": "keyword" },
      "line":       { "type": "long" }
    }
  }
}`

// IndexDescriptor names a destination index and the mapping it is created
// with on first use.
type IndexDescriptor struct {
	Name    string
	Mapping string
}

// NewIndexDescriptor returns a descriptor for the given index name with
// the fixed document mapping.
func NewIndexDescriptor(name string) IndexDescriptor {
	return IndexDescriptor{Name: name, Mapping: defaultMapping}
}

// EnsureIndex checks that the index exists and creates it with the
// descriptor mapping if absent. A creation conflict caused by a concurrent
// exporter is treated as success.
func EnsureIndex(ctx context.Context, client *os.Client, desc IndexDescriptor, l log.Modular) error {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{desc.Name}}.Do(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		l.Debugf("Index '%v' already exists", desc.Name)
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("unexpected status %v checking index existence", res.StatusCode)
	}

	l.Infof("Index '%v' does not exist, creating it", desc.Name)
	cres, err := opensearchapi.IndicesCreateRequest{
		Index: desc.Name,
		Body:  strings.NewReader(desc.Mapping),
	}.Do(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to create index '%v': %w", desc.Name, err)
	}
	defer cres.Body.Close()

	if cres.IsError() {
		body, _ := io.ReadAll(cres.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			l.Debugf("Index '%v' was created concurrently by another exporter", desc.Name)
			return nil
		}
		return fmt.Errorf("failed to create index '%v': status %v: %s", desc.Name, cres.StatusCode, body)
	}

	l.Infof("Index '%v' created", desc.Name)
	return nil
}
