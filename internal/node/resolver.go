package node

import "fmt"

// ClientResolver maps a node id to the Client that can reach it. Production
// deployments resolve to one RPC client per connected node; devnode's
// single local Docker daemon stands in for every node id in development.
type ClientResolver interface {
	Resolve(nodeID string) (Client, error)
}

// SingleClientResolver always returns the same Client regardless of nodeID,
// used in development where one local daemon stands in for the whole
// fleet.
type SingleClientResolver struct {
	Client Client
}

func (r SingleClientResolver) Resolve(nodeID string) (Client, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("no node client configured")
	}
	return r.Client, nil
}
