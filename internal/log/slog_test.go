package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "INFO")
	require.NoError(t, err)

	l.Debugf("quiet %v", "one")
	l.Infof("loud %v", "two")

	assert.NotContains(t, buf.String(), "quiet one")
	assert.Contains(t, buf.String(), "loud two")
}

func TestLoggerDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug")
	require.NoError(t, err)

	l.Debugf("quiet %v", "one")
	assert.Contains(t, buf.String(), "quiet one")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "INFO")
	require.NoError(t, err)

	l.With("component", "shipper").Infof("hello")
	assert.Contains(t, buf.String(), "component=shipper")
}

func TestLoggerBadVerbosity(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "LOUD")
	require.Error(t, err)
}
