// Package serverinfo contains the authoritative in-memory view of the
// server fleet and the service-level selection policies.
package serverinfo

import (
	"time"
)

// ServerType classifies the role of a node.
type ServerType int

// server types.
const (
	ServerTypePlay ServerType = iota
	ServerTypeAPI
	ServerTypeOther

	// ServerTypeAny matches every type when selecting.
	ServerTypeAny ServerType = -1
)

// String implements fmt.Stringer.
func (t ServerType) String() string {
	switch t {
	case ServerTypePlay:
		return "play"
	case ServerTypeAPI:
		return "api"
	}
	return "other"
}

// ServerState is the advertised availability of a node.
type ServerState int

// server states.
const (
	StateRunning ServerState = iota
	StateDisabled
	StatePaused
)

// String implements fmt.Stringer.
func (s ServerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	}
	return "paused"
}

// ServerInfo describes one node of the fleet.
type ServerInfo struct {
	// unique stable identifier (e.g. "play-1").
	ServerID string

	// short id used on the wire.
	Nid string

	// groups interchangeable servers.
	ServiceID uint16

	// role.
	Type ServerType

	// network address of the mesh endpoint.
	Address string

	// advertised availability.
	State ServerState

	// selection weight, >= 0.
	Weight int

	// last heartbeat observed by discovery.
	LastHeartbeat time.Time
}

// two entries are considered equal when the full routing tuple matches;
// LastHeartbeat is bookkeeping and does not count as a change.
func (i *ServerInfo) equalTuple(o *ServerInfo) bool {
	return i.Address == o.Address &&
		i.State == o.State &&
		i.Weight == o.Weight &&
		i.ServiceID == o.ServiceID &&
		i.Type == o.Type
}

// clone returns a copy, so callers can hold entries without racing the
// next Update.
func (i *ServerInfo) clone() *ServerInfo {
	c := *i
	return &c
}
