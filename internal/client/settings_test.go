package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cliconfig "github.com/antonkrylov/xremote/internal/cli/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	cfg := &cliconfig.Config{}
	cfg.Upsert("dev", &cliconfig.Context{
		Host:                  "devbox",
		Workspace:             "/srv/project",
		Channels:              4,
		LogLevel:              "debug",
		RequestTimeoutSeconds: 30,
		SSHArgs:               []string{"-p", "2222"},
	})
	cfg.Upsert("other", &cliconfig.Context{Host: "otherbox", Workspace: "/tmp/x"})
	require.NoError(t, cfg.Save(path))
	return path
}

func TestResolveSettings_ConfigContext(t *testing.T) {
	t.Setenv("XREMOTE_HOST", "")
	s, err := ResolveSettings(writeConfig(t), "", Overrides{})
	require.NoError(t, err)
	require.Equal(t, "dev", s.ContextName)
	require.Equal(t, "devbox", s.Host)
	require.Equal(t, "/srv/project", s.Workspace)
	require.Equal(t, 4, s.Channels)
	require.Equal(t, "debug", s.LogLevel)
	require.Equal(t, 30*time.Second, s.RequestTimeout)
	require.Equal(t, []string{"-p", "2222"}, s.SSHArgs)
	require.Equal(t, DefaultRemoteBin, s.RemoteBin)
}

func TestResolveSettings_FlagsWin(t *testing.T) {
	s, err := ResolveSettings(writeConfig(t), "other", Overrides{
		Host:           "flaghost",
		Channels:       1,
		RequestTimeout: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "flaghost", s.Host)
	require.Equal(t, "/tmp/x", s.Workspace)
	require.Equal(t, 1, s.Channels)
	require.Equal(t, time.Minute, s.RequestTimeout)
}

func TestResolveSettings_EnvAndDefaults(t *testing.T) {
	t.Setenv("XREMOTE_HOST", "envhost")
	missing := filepath.Join(t.TempDir(), "absent")
	s, err := ResolveSettings(missing, "", Overrides{Workspace: "/w"})
	require.NoError(t, err)
	require.Equal(t, "envhost", s.Host)
	require.Equal(t, DefaultChannels, s.Channels)
	require.Equal(t, DefaultRequestTimeout, s.RequestTimeout)
	require.Equal(t, "info", s.LogLevel)
	_, statErr := os.Stat(missing)
	require.True(t, os.IsNotExist(statErr))
}

func TestResolveSettings_Errors(t *testing.T) {
	t.Setenv("XREMOTE_HOST", "")
	_, err := ResolveSettings("", "", Overrides{Workspace: "/w"})
	require.ErrorContains(t, err, "host is required")

	_, err = ResolveSettings("", "", Overrides{Host: "h"})
	require.ErrorContains(t, err, "workspace is required")

	_, err = ResolveSettings("", "", Overrides{Host: "h", Workspace: "/w", LogLevel: "loud"})
	require.ErrorContains(t, err, "unknown log level")

	_, err = ResolveSettings(writeConfig(t), "nope", Overrides{})
	require.ErrorIs(t, err, cliconfig.ErrContextNotFound)
}
