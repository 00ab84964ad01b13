// Package node manages WebSocket connections from listener nodes and fans
// session-scoped events out to every node subscribed to a session.
package node

import "errors"

// Sentinel errors for the node package.
var (
	ErrInvalidToken = errors.New("node: invalid pairing token")
	ErrMaxNodes     = errors.New("node: maximum number of nodes reached")
	ErrNodeGone     = errors.New("node: node is disconnected")
)
