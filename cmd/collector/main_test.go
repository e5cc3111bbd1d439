package main

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_VersionExitsClean(t *testing.T) {
	assert.Equal(t, 0, run([]string{"--version"}))
}

func TestRun_HelpExitsClean(t *testing.T) {
	assert.Equal(t, 0, run([]string{"--help"}))
}

func TestRun_UnknownFlagIsUsageError(t *testing.T) {
	assert.Equal(t, 2, run([]string{"--bogus"}))
}

func TestRun_MissingCredentialsIsFatal(t *testing.T) {
	assert.Equal(t, 255, run([]string{"--config-file", "/nonexistent/db_credentials"}))
}

func TestApplyThreads_SizesTheScheduler(t *testing.T) {
	prev := runtime.GOMAXPROCS(0)
	defer runtime.GOMAXPROCS(prev)

	applyThreads(2)
	assert.Equal(t, 2, runtime.GOMAXPROCS(0))

	applyThreads(0)
	assert.Equal(t, 1, runtime.GOMAXPROCS(0), "below-minimum values clamp to one worker")
}
