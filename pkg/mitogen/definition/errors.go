package definition

import "errors"

// Error-kind taxonomy, spec.md §7.
var (
	// ErrStream covers framing/serialization failures: malformed header,
	// oversized payload, or a payload the wire codec cannot decode
	// (including an unknown type tag).
	ErrStream = errors.New("mitogen: stream error")

	// ErrChannelClosed is raised by Receiver.Get when the remote end closed
	// the channel (delivered the Dead sentinel) or its peer disconnected.
	ErrChannelClosed = errors.New("mitogen: channel closed")

	// ErrTimeout is raised by any blocking Get past its deadline.
	ErrTimeout = errors.New("mitogen: timeout")

	// ErrAuth is raised by the ssh/sudo bootstrap when "permission denied"
	// is observed and no password was ever supplied.
	ErrAuth = errors.New("mitogen: authentication required")

	// ErrBadPassword is raised when "permission denied" is observed after a
	// password was already sent.
	ErrBadPassword = errors.New("mitogen: bad password")

	// ErrSecurity is returned by wire.Encode for a value whose type is not
	// on the wire codec whitelist.
	ErrSecurity = errors.New("mitogen: security violation")

	// ErrImport is raised when a module cannot be served (negative cache
	// entry, or GET_MODULE answered with no path/source).
	ErrImport = errors.New("mitogen: import error")

	// ErrBootstrapTimeout is raised when a sentinel (EC0/EC1) is not
	// observed before the bootstrap deadline.
	ErrBootstrapTimeout = errors.New("mitogen: bootstrap timeout")

	// ErrBootstrapFailed covers any other failure of the bootstrap state
	// machine (EOF before EC1, unexpected exit, etc).
	ErrBootstrapFailed = errors.New("mitogen: bootstrap failed")
)

// CallError packages a remote exception so it can cross the wire and be
// re-raised locally as a Go error, preserving the remote type name and
// formatted traceback (spec.md §4.4, §7).
type CallError struct {
	TypeName   string
	Message    string
	Traceback  string
}

func (c *CallError) Error() string {
	if c.Traceback != "" {
		return c.TypeName + ": " + c.Message + "\n" + c.Traceback
	}
	return c.TypeName + ": " + c.Message
}

// NewCallError wraps a local error as a CallError ready to be sent as a
// CALL_FUNCTION reply.
func NewCallError(typeName, message, traceback string) *CallError {
	return &CallError{TypeName: typeName, Message: message, Traceback: traceback}
}
