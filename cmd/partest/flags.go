package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Count  string
	Listen string // serve the HTTP API while workers run
}

// PidsListFlags holds flags for pids list.
type PidsListFlags struct {
	Output string // table|json|yaml
	Stats  bool
	Live   bool
}

// WaitFlags holds flags for the wait command.
type WaitFlags struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen   string
	BasePath string
}

// DumpFlags holds flags for the dump command.
type DumpFlags struct {
	PID int
}

// RemoteFlags select the runner API a remote command talks to.
type RemoteFlags struct {
	URL      string
	CACert   string
	Insecure bool
	Timeout  time.Duration
}

// HistoryFlags holds flags for the history subcommands.
type HistoryFlags struct {
	DSN       string
	Session   string
	Output    string
	OlderThan time.Duration
}
