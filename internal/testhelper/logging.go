// Package testhelper silences the global zerolog logger for test runs.
// Blank-import it from a package's TestMain file; set MARKTOFLOW_TEST_LOG
// to see log output while debugging a test.
package testhelper

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func init() {
	if testing.Testing() && os.Getenv("MARKTOFLOW_TEST_LOG") == "" {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
}
