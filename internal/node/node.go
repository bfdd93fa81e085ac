package node

import "time"

// Node is a running keyless daemon as the admin surface sees it.
type Node interface {
	NodeID() string
	Kind() string
	Ready() error
	Status() Status
}

// Status is a point-in-time view of a node's keyless listener.
type Status struct {
	Started     time.Time `json:"started"`
	ListenAddr  string    `json:"listen_addr"`
	Connections int64     `json:"connections"`
	Accepted    uint64    `json:"accepted"`
}
