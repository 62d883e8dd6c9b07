package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// RPC paths served by every node.
const (
	PathJoin           = "/cluster/join"
	PathProbe          = "/cluster/probe"
	PathReplicateWrite = "/replica/write"
	PathReadValue      = "/replica/values/"
)

// DefaultRPCTimeout bounds every inter-node call when no timeout is given.
const DefaultRPCTimeout = 3 * time.Second

// Transport is the inter-node RPC client. Implementations must bound every
// call in time and return errors marked with one of ErrPeerUnreachable,
// ErrPeerTimeout or ErrPeerRejected.
type Transport interface {
	// Join announces self to peer and returns the peer's membership view.
	Join(ctx context.Context, peer, self NodeIdentity) (MembershipSnapshot, error)
	// Probe is a liveness check; only success or failure matters.
	Probe(ctx context.Context, peer NodeIdentity) (MembershipSnapshot, error)
	// ReplicateWrite asks peer to store a "SET <id> <value>" payload.
	ReplicateWrite(ctx context.Context, peer NodeIdentity, text string) error
	// ReadValue fetches the value stored on peer for id.
	ReadValue(ctx context.Context, peer NodeIdentity, id int64) ([]byte, bool, error)
}

// HTTPTransport implements Transport with HTTP/JSON requests.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport returns a transport whose calls are each bounded by
// timeout. A non-positive timeout selects DefaultRPCTimeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Join implements Transport.
func (t *HTTPTransport) Join(ctx context.Context, peer, self NodeIdentity) (MembershipSnapshot, error) {
	var out MembershipSnapshot
	err := t.PostJSON(ctx, peer.URL()+PathJoin, self, &out)
	if err != nil {
		return MembershipSnapshot{}, errors.Wrapf(err, "join %s", peer)
	}
	return out, nil
}

// Probe implements Transport.
func (t *HTTPTransport) Probe(ctx context.Context, peer NodeIdentity) (MembershipSnapshot, error) {
	var out MembershipSnapshot
	if err := t.GetJSON(ctx, peer.URL()+PathProbe, &out); err != nil {
		return MembershipSnapshot{}, errors.Wrapf(err, "probe %s", peer)
	}
	return out, nil
}

// ReplicateWrite implements Transport.
func (t *HTTPTransport) ReplicateWrite(ctx context.Context, peer NodeIdentity, text string) error {
	var ack Ack
	err := t.PostJSON(ctx, peer.URL()+PathReplicateWrite, ReplicateWriteRequest{Text: []byte(text)}, &ack)
	if err != nil {
		return errors.Wrapf(err, "replicate write to %s", peer)
	}
	return nil
}

// ReadValue implements Transport.
func (t *HTTPTransport) ReadValue(ctx context.Context, peer NodeIdentity, id int64) ([]byte, bool, error) {
	var out ReadValueResponse
	url := peer.URL() + PathReadValue + strconv.FormatInt(id, 10)
	if err := t.GetJSON(ctx, url, &out); err != nil {
		return nil, false, errors.Wrapf(err, "read value %d from %s", id, peer)
	}
	return out.Value, out.Found, nil
}

// PostJSON posts body as JSON to url and decodes the response into out
// when out is non-nil.
func (t *HTTPTransport) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Mark(err, ErrPeerRejected)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func (t *HTTPTransport) GetJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Mark(err, ErrPeerRejected)
	}
	return t.do(req, out)
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Mark(
			fmt.Errorf("http %s: %d", req.URL, resp.StatusCode), ErrPeerRejected)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Mark(errors.Wrap(err, "decode response"), ErrPeerRejected)
	}
	return nil
}

// classify marks a client.Do error with its kind.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Mark(err, ErrPeerTimeout)
	}
	return errors.Mark(err, ErrPeerUnreachable)
}
