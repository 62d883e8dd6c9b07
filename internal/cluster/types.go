package cluster

import (
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
)

// NodeIdentity identifies a node by the address of its inter-node RPC
// endpoint. It is comparable and used directly as a map key, so two
// identities are the same node exactly when host and port match.
type NodeIdentity struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the host:port form used to dial the node.
func (n NodeIdentity) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// URL returns the base URL of the node's RPC endpoint.
func (n NodeIdentity) URL() string {
	return "http://" + n.Addr()
}

// DirName returns the per-node data directory name, e.g. "127.0.0.1_5556".
func (n NodeIdentity) DirName() string {
	return n.Host + "_" + strconv.Itoa(n.Port)
}

func (n NodeIdentity) String() string {
	return n.Addr()
}

// Valid reports whether the identity has a host and a usable port.
func (n NodeIdentity) Valid() bool {
	return n.Host != "" && n.Port > 0 && n.Port <= 65535
}

// ParseNodeIdentity parses a host:port address.
func ParseNodeIdentity(addr string) (NodeIdentity, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return NodeIdentity{}, errors.Wrapf(err, "parse node address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeIdentity{}, errors.Wrapf(err, "parse port of %q", addr)
	}
	n := NodeIdentity{Host: host, Port: port}
	if !n.Valid() {
		return NodeIdentity{}, errors.Newf("invalid node address %q", addr)
	}
	return n, nil
}

// MembershipSnapshot is the membership view returned by Join and Probe.
type MembershipSnapshot struct {
	Members []NodeIdentity `json:"members"`
}

// ReplicateWriteRequest carries a replica write. Text uses the client SET
// grammar, "SET <id> <value>", and travels base64 encoded so values that
// are not valid UTF-8 arrive byte for byte.
type ReplicateWriteRequest struct {
	Text []byte `json:"text"`
}

// Ack is the empty acknowledgement of a replica write.
type Ack struct{}

// ReadValueResponse is the answer to a ReadValue RPC.
type ReadValueResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}
