package s7

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConnected indicates the client has no live connection to the device.
// Distinguished from transport failures so callers can decide whether to
// trigger a reconnect or drop the operation.
var ErrNotConnected = errors.New("not connected")

// ProtocolError wraps a failed field-protocol operation with its context.
type ProtocolError struct {
	Op      string // "read", "write", "read-batch"
	Address string // device network address
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("s7 %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// isConnectionError checks if an error indicates the TCP connection is broken.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed") ||
		strings.Contains(errStr, "nil")
}
