package wire

import "time"

// Commands understood by the daemon.
const (
	CmdPing     = "ping"
	CmdList     = "list"
	CmdStatus   = "status"
	CmdRunning  = "running"
	CmdStart    = "start"
	CmdStop     = "stop"
	CmdPort     = "port"
	CmdRun      = "run"
	CmdPut      = "put"
	CmdGet      = "get"
	CmdShutdown = "shutdown"
)

// ServerInfo is the result of ping.
type ServerInfo struct {
	Version   string    `cbor:"version"`
	PID       int       `cbor:"pid"`
	StartedAt time.Time `cbor:"started_at"`
}

// ContainerStatus is the result of status, and an element of list.
type ContainerStatus struct {
	Name          string    `cbor:"name" json:"name"`
	State         string    `cbor:"state" json:"state"`
	Port          int       `cbor:"port,omitempty" json:"port,omitempty"`
	PID           int       `cbor:"pid,omitempty" json:"pid,omitempty"`
	Image         string    `cbor:"image" json:"image"`
	LastLogPath   string    `cbor:"last_log_path,omitempty" json:"last_log_path,omitempty"`
	LastError     string    `cbor:"last_error,omitempty" json:"last_error,omitempty"`
	KeyAuthorized bool      `cbor:"key_authorized" json:"key_authorized"`
	UpdatedAt     time.Time `cbor:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// StartResult is the result of start and port.
type StartResult struct {
	Port int `cbor:"port"`
}

// CommandResult is the result of run.
type CommandResult struct {
	Stdout   string `cbor:"stdout"`
	Stderr   string `cbor:"stderr"`
	ExitCode int    `cbor:"exit_code"`
}
