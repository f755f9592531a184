package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/tracetail/tracetail/internal/config"
)

// testApp returns the app with exit handling disabled so errors surface to
// the test instead of terminating the process.
func testApp() *cli.App {
	app := App("0.0.0-test", "")
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app
}

func TestAppVersionFlag(t *testing.T) {
	require.NoError(t, testApp().Run([]string{"tracetail", "--version"}))
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	err := testApp().Run([]string{"tracetail", "--file", "/var/log/app.log"})
	require.Error(t, err)

	var coder cli.ExitCoder
	require.ErrorAs(t, err, &coder)
	assert.Equal(t, ExitCodeConfig, coder.ExitCode())
}

func TestAppRejectsUnknownFailurePolicy(t *testing.T) {
	err := testApp().Run([]string{
		"tracetail",
		"--host", "localhost",
		"--index", "app-logs",
		"--file", "/var/log/app.log",
		"--on-failure", "explode",
	})
	require.Error(t, err)

	var coder cli.ExitCoder
	require.ErrorAs(t, err, &coder)
	assert.Equal(t, ExitCodeConfig, coder.ExitCode())
}

func TestAppFlagAndEnvMapping(t *testing.T) {
	t.Setenv("OPENSEARCH_PORT", "9201")
	t.Setenv("BATCH_SIZE", "25")

	var conf config.Config
	app := testApp()
	app.Action = func(c *cli.Context) error {
		conf = confFromContext(c)
		return nil
	}
	require.NoError(t, app.Run([]string{
		"tracetail",
		"--host", "search.internal",
		"--index", "app-logs",
		"-f", "/var/log/app.log",
		"--batch-period", "250ms",
		"--one-shot",
		"--on-failure", "dead_letter",
		"--state-dir", "/tmp/state",
	}))

	assert.Equal(t, "search.internal", conf.Host)
	assert.Equal(t, 9201, conf.Port)
	assert.Equal(t, "app-logs", conf.Index)
	assert.Equal(t, "/var/log/app.log", conf.FilePath)
	assert.Equal(t, 25, conf.BatchSize)
	assert.Equal(t, 250*time.Millisecond, conf.BatchPeriod)
	assert.True(t, conf.OneShot)
	assert.Equal(t, config.FailureDeadLetter, conf.OnFailure)

	require.NoError(t, conf.Validate())
	assert.Equal(t, "/tmp/state/dead_letter", conf.DeadLetterDir)
}

func TestAppRejectsUnknownCommand(t *testing.T) {
	err := testApp().Run([]string{
		"tracetail",
		"--host", "localhost",
		"--index", "app-logs",
		"--file", "/var/log/app.log",
		"bogus",
	})
	require.Error(t, err)

	var coder cli.ExitCoder
	require.ErrorAs(t, err, &coder)
	assert.Equal(t, ExitCodeConfig, coder.ExitCode())
}
