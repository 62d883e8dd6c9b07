// Package node assembles a running diskreg member.
//
// Start binds the first free port at or above the base port. The node that
// wins the base port becomes the leader: it loads the replication tolerance,
// builds a coordinator and accepts clients on the client port. Every other
// node is a follower that opens its replica store under
// <dataDir>/<host>_<port>.
//
// Both roles then serve the inter-node RPC endpoints through Service, run
// discovery once, start the health monitor and print a status line at a
// fixed delay until Close.
package node
