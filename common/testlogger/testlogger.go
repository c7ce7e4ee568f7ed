// Package testlogger gives tests a log.Logger scoped to the test name.
package testlogger

import (
	"os"
	"testing"

	"github.com/sectionmesh/sectiond/common/log"
)

// Level resolves the test log level from SECTIOND_TEST_LOGS.
func Level(t testing.TB) int {
	level := log.InfoLevel
	if v, ok := os.LookupEnv("SECTIOND_TEST_LOGS"); ok && v == "DEBUG" {
		t.Log("enabling debug level logs")
		level = log.DebugLevel
	}
	return level
}

// New returns a logger that tags every line with the test's name.
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).With("testName", t.Name())
}
