package deadletter

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/opensearch"
)

func TestWriteBatch(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, log.Noop())
	require.NoError(t, err)

	docs := []opensearch.Document{
		{Message: "one", Timestamp: time.Now().UTC(), Path: "a.log", Line: 1},
		{Message: "two", Timestamp: time.Now().UTC(), Path: "a.log", Line: 2},
	}
	path, err := w.Write(docs)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []opensearch.Document
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var doc opensearch.Document
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		got = append(got, doc)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, int64(2), got[1].Line)
}

func TestWriteSeparateFilesPerBatch(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, log.Noop())
	require.NoError(t, err)

	p1, err := w.Write([]opensearch.Document{{Message: "a", Line: 1}})
	require.NoError(t, err)
	p2, err := w.Write([]opensearch.Document{{Message: "b", Line: 2}})
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
