package rpcctx

import "github.com/openurpc/urpc"

// Status mirrors the four outcomes spec.md §4.6 names for a completed
// command.
type Status int

const (
	StatusUnfinished Status = iota
	StatusOK
	StatusException
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusException:
		return "EXCEPTION"
	case StatusError:
		return "ERROR"
	default:
		return "UNFINISHED"
	}
}

// InvalidRequestID is returned by the call_async family on submission
// failure, mirroring VEO_REQUEST_ID_INVALID in spec.md §7.
const InvalidRequestID int64 = -1

// Result is what a waiter eventually observes for a request id.
type Result struct {
	Retval uint64
	Status Status
}

// SubmitFunc runs once, when a command is popped off the request queue.
// It performs the actual work: publishing a mailbox word for a remote
// call, or running a purely local callback for a host-only command.
// hostOnly tells the progress loop whether to route the command straight
// to completion instead of the in-flight queue. Whether to wait for the
// in-flight queue to drain first (spec.md §4.6's local fence) is decided
// before Submit runs, from Command.HostOnly.
type SubmitFunc func() (result Result, hostOnly bool, err error)

// ResultFunc runs when a matching reply mailbox word arrives for a
// remote command. It is nil for host-only commands (which complete
// entirely inside Submit).
type ResultFunc func(mb urpc.MB, payload []byte) (Result, error)

// Command is one asynchronous call: a caller-assigned id, a submit
// closure, and an optional result closure, exactly the "submit
// closure / result closure" pair spec.md §9's Design Notes describe.
type Command struct {
	ID     int64
	Submit SubmitFunc
	Result ResultFunc

	// HostOnly marks a command whose submit closure runs entirely
	// locally and must act as a fence against in-flight remote commands
	// (spec.md §4.6). Set at construction time, not inferred.
	HostOnly bool

	done chan struct{}
	res  Result
}

func newCommand(id int64, hostOnly bool, submit SubmitFunc, result ResultFunc) *Command {
	return &Command{ID: id, Submit: submit, Result: result, HostOnly: hostOnly, done: make(chan struct{})}
}

func (c *Command) complete(res Result) {
	c.res = res
	close(c.done)
}
