package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/config"
)

func captureMigrateDeps(t *testing.T) {
	origLoadConfig := loadConfig
	origMigrate := migrate
	t.Cleanup(func() {
		loadConfig = origLoadConfig
		migrate = origMigrate
	})
}

type migrateCall struct {
	dsn       string
	direction string
	steps     int
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateUsesConfiguredURL(t *testing.T) {
	captureMigrateDeps(t)
	loadConfig = func() (config.Config, error) {
		return config.Config{PostgresURL: "postgres://from-env"}, nil
	}
	var got migrateCall
	migrate = func(dsn, direction string, steps int) error {
		got = migrateCall{dsn, direction, steps}
		return nil
	}

	out, err := execute(t)
	require.NoError(t, err)
	require.Equal(t, migrateCall{"postgres://from-env", "up", 0}, got)
	require.Contains(t, out, "migrations applied (up)")
}

func TestMigrateFlags(t *testing.T) {
	captureMigrateDeps(t)
	loadConfig = func() (config.Config, error) {
		t.Fatal("config must not be loaded when --dsn is set")
		return config.Config{}, nil
	}
	var got migrateCall
	migrate = func(dsn, direction string, steps int) error {
		got = migrateCall{dsn, direction, steps}
		return nil
	}

	_, err := execute(t, "--direction", "down", "--steps", "2", "--dsn", "postgres://flag")
	require.NoError(t, err)
	require.Equal(t, migrateCall{"postgres://flag", "down", 2}, got)
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	captureMigrateDeps(t)
	migrate = func(string, string, int) error {
		t.Fatal("migrate must not run")
		return nil
	}

	_, err := execute(t, "--direction", "sideways")
	require.ErrorContains(t, err, "direction must be up or down")
}

func TestMigrateErrors(t *testing.T) {
	captureMigrateDeps(t)
	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("bad config")
	}
	_, err := execute(t)
	require.EqualError(t, err, "bad config")

	loadConfig = func() (config.Config, error) {
		return config.Config{PostgresURL: "postgres://x"}, nil
	}
	migrate = func(string, string, int) error { return errors.New("dirty database") }
	_, err = execute(t)
	require.EqualError(t, err, "migrate up: dirty database")
}
