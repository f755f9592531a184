// Package opensearch wraps the store client: connection, index lifecycle
// and single-attempt bulk delivery with per-document results.
package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	os "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/tracetail/tracetail/internal/log"
)

// ClientConfig holds connection options for the store.
type ClientConfig struct {
	URL         string
	Credentials CredentialSupplier
	Transport   http.RoundTripper
}

// NewClient constructs a store client from the config. No network I/O
// happens until the first request.
func NewClient(conf ClientConfig) (*os.Client, error) {
	// Retrying is owned by the shipper, so the transport must not retry
	// underneath it.
	opts := os.Config{
		Addresses:    []string{conf.URL},
		Transport:    conf.Transport,
		DisableRetry: true,
	}
	if conf.Credentials != nil {
		username, password, err := conf.Credentials.Credentials()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain store credentials: %w", err)
		}
		opts.Username = username
		opts.Password = password
	}
	client, err := os.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to construct store client: %w", err)
	}
	return client, nil
}

// Ping performs an info request against the store and logs the
// distribution and version on success.
func Ping(ctx context.Context, client *os.Client, l log.Modular) error {
	res, err := opensearchapi.InfoRequest{}.Do(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to connect to the store: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("store returned status %v on info request", res.StatusCode)
	}

	var info struct {
		Version struct {
			Distribution string `json:"distribution"`
			Number       string `json:"number"`
		} `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return fmt.Errorf("failed to parse store info response: %w", err)
	}
	l.Infof("Connected to %v %v", info.Version.Distribution, info.Version.Number)
	return nil
}
