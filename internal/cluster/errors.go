package cluster

import (
	"github.com/cockroachdb/errors"
)

// Error kinds reported by Transport implementations. Callers branch on them
// with errors.Is; every RPC error returned by HTTPTransport carries exactly
// one of these marks.
var (
	// ErrPeerUnreachable means the peer could not be contacted at all
	// (connection refused, no route, closed connection).
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrPeerTimeout means the RPC did not complete within its deadline.
	ErrPeerTimeout = errors.New("peer timed out")
	// ErrPeerRejected means the peer answered but refused the request.
	ErrPeerRejected = errors.New("peer rejected request")
)

// ErrorKind returns a short label for the kind of an RPC error, for logs and
// metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPeerTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerRejected):
		return "rejected"
	case errors.Is(err, ErrPeerUnreachable):
		return "unreachable"
	default:
		return "unknown"
	}
}
