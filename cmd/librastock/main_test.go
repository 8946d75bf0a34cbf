package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitUserError, exitCode(userError(errors.New("bad flag"))))
	assert.Equal(t, exitSysError, exitCode(errors.New("disk full")))
}

func TestParseDay(t *testing.T) {
	day, err := parseDay("")
	require.NoError(t, err)
	assert.Nil(t, day)

	day, err = parseDay("2026-09-01")
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).Equal(*day))

	_, err = parseDay("01/09/2026")
	assert.Equal(t, exitUserError, exitCode(err))
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.ExecuteContext(t.Context())
}

func TestOperatorCommandsOverSQLite(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIBRASTOCK_DATABASE_DRIVER", "sqlite")
	t.Setenv("LIBRASTOCK_DATABASE_DSN", filepath.Join(t.TempDir(), "librastock.db"))
	t.Setenv("LIBRASTOCK_LOG_LEVEL", "error")

	require.NoError(t, run(t, "migrate"))
	require.NoError(t, run(t, "drift", "--fail"))
	require.NoError(t, run(t, "repair"))
	require.NoError(t, run(t, "sweep", "--as-of", "2026-09-01"))
	require.NoError(t, run(t, "capacity", "--json"))
}

func TestBadConfigIsUserError(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIBRASTOCK_DATABASE_DRIVER", "oracle")
	err := run(t, "migrate")
	require.Error(t, err)
	assert.Equal(t, exitUserError, exitCode(err))
}

func TestHashTokenNeedsNoConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIBRASTOCK_DATABASE_DRIVER", "oracle")
	require.NoError(t, run(t, "hash-token", "correct-horse-battery"))
	assert.Equal(t, exitUserError, exitCode(run(t, "hash-token", "short")))
}
