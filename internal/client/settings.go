package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	cliconfig "github.com/antonkrylov/xremote/internal/cli/config"
	"github.com/antonkrylov/xremote/internal/logging"
)

const (
	DefaultChannels       = 2
	DefaultRemoteBin      = "~/.xremote/bin/xremote-server"
	DefaultRequestTimeout = 5 * time.Minute
)

// Settings is everything a client daemon or interactive command needs to
// reach one remote workspace.
type Settings struct {
	Host           string
	Workspace      string
	Channels       int
	RemoteBin      string
	RemoteRoot     string
	LogLevel       string
	RequestTimeout time.Duration
	SSHArgs        []string
	BatchMode      bool
	MetricsAddr    string

	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context
}

// Overrides carries values set on the command line. Zero values mean unset.
type Overrides struct {
	Host           string
	Workspace      string
	Channels       int
	RemoteBin      string
	LogLevel       string
	RequestTimeout time.Duration
	MetricsAddr    string
}

// ResolveSettings applies, in order:
// 1) flags (Overrides)
// 2) the selected config context
// 3) environment (XREMOTE_HOST)
// 4) defaults (2 channels, 5m request timeout, info level)
func ResolveSettings(configPath, contextName string, o Overrides) (*Settings, error) {
	s := &Settings{
		ConfigPath:     configPath,
		ContextName:    contextName,
		Host:           o.Host,
		Workspace:      o.Workspace,
		Channels:       o.Channels,
		RemoteBin:      o.RemoteBin,
		LogLevel:       o.LogLevel,
		RequestTimeout: o.RequestTimeout,
		MetricsAddr:    o.MetricsAddr,
	}

	if s.ConfigPath != "" {
		cfg, err := cliconfig.Load(s.ConfigPath)
		if err != nil {
			return nil, err
		}
		s.Config = cfg
	}
	if s.Config != nil {
		ctx, name, err := s.Config.Resolve(s.ContextName)
		if err != nil {
			return nil, err
		}
		s.Context = ctx
		s.ContextName = name
	}

	if c := s.Context; c != nil {
		s.Host = firstNonEmpty(s.Host, c.Host)
		s.Workspace = firstNonEmpty(s.Workspace, c.Workspace)
		s.RemoteBin = firstNonEmpty(s.RemoteBin, c.RemoteBin)
		s.LogLevel = firstNonEmpty(s.LogLevel, c.LogLevel)
		s.MetricsAddr = firstNonEmpty(s.MetricsAddr, c.MetricsAddr)
		s.RemoteRoot = c.RemoteRoot
		s.SSHArgs = c.SSHArgs
		s.BatchMode = c.BatchMode
		if s.Channels == 0 {
			s.Channels = c.Channels
		}
		if s.RequestTimeout == 0 && c.RequestTimeoutSeconds > 0 {
			s.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second
		}
	}

	s.Host = firstNonEmpty(s.Host, os.Getenv("XREMOTE_HOST"))
	if s.Channels == 0 {
		s.Channels = DefaultChannels
	}
	if s.RemoteBin == "" {
		s.RemoteBin = DefaultRemoteBin
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}

	if s.Host == "" {
		return nil, fmt.Errorf("remote host is required (--host, config context or XREMOTE_HOST)")
	}
	if s.Workspace == "" {
		return nil, fmt.Errorf("remote workspace is required (--workspace or config context)")
	}
	if s.Channels < 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", s.Channels)
	}
	if _, ok := logging.ParseLevel(s.LogLevel); !ok {
		return nil, fmt.Errorf("unknown log level %q (expected %s)", s.LogLevel, strings.Join(logging.Levels, "|"))
	}
	return s, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
