package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RemoteFlags selects a running hostkit serve instance instead of the local
// registry.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ExecFlags struct {
	Detach  bool
	Timeout time.Duration
	RemoteFlags
}

type PsFlags struct {
	RemoteFlags
}

type KillFlags struct {
	RemoteFlags
}
