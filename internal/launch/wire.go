package launch

import (
	"github.com/chirino/meshkeeper-sub000/internal/ports"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

// Agent methods.
const (
	MethodAgentID        = "id"
	MethodHostProperties = "host_properties"
	MethodBind           = "bind"
	MethodUnbind         = "unbind"
	MethodLaunch         = "launch"
	MethodReservePorts   = "reserve_ports"
	MethodReleasePorts   = "release_ports"
)

// Process methods.
const (
	MethodKill      = "kill"
	MethodIsRunning = "is_running"
	MethodExitCode  = "exit_code"
	MethodWrite     = "write"
	MethodOpen      = "open"
	MethodClose     = "close"
)

// Listener methods.
const (
	MethodOutput = "output"
	MethodExit   = "exit"
	MethodError  = "error"
)

type BindArgs struct {
	Owner string `json:"owner"`
}

type LaunchArgs struct {
	Description Description   `json:"description"`
	Listener    remoting.Stub `json:"listener"`
}

type LaunchReply struct {
	Pid     int64         `json:"pid"`
	Process remoting.Stub `json:"process"`
}

type PortArgs struct {
	Protocol ports.Protocol `json:"protocol"`
	Count    int            `json:"count,omitempty"`
	Ports    []int          `json:"ports,omitempty"`
}

type FdArgs struct {
	Fd   int    `json:"fd"`
	Data []byte `json:"data,omitempty"`
}

type ExitArgs struct {
	Code int `json:"code"`
}

type ErrorArgs struct {
	Message string `json:"message"`
}
