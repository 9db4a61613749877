package serverinfo

import (
	"math/rand"
	"sort"
	"sync"
)

// Update pairs the previous and current entry of a changed server.
type Update struct {
	Prev *ServerInfo
	Cur  *ServerInfo
}

// Diff is the minimal change set between two fleet snapshots.
type Diff struct {
	Added   []*ServerInfo
	Updated []Update
	Removed []*ServerInfo
}

// Empty reports whether the diff carries no change.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Policy selects one server among the candidates of a service.
type Policy int

// selection policies.
const (
	PolicyRoundRobin Policy = iota
	PolicyWeighted
	PolicyLeastLoaded
)

type serviceKey struct {
	serviceID uint16
	typ       ServerType
}

// Center holds the current fleet snapshot. A single writer (the address
// resolver) calls Update; any number of readers query concurrently.
type Center struct {
	mutex     sync.RWMutex
	servers   map[string]*ServerInfo
	byNid     map[string]*ServerInfo
	byService map[serviceKey][]*ServerInfo
	rrCounter map[serviceKey]int
	loads     map[string]float64
}

// NewCenter allocates a Center.
func NewCenter() *Center {
	return &Center{
		servers:   make(map[string]*ServerInfo),
		byNid:     make(map[string]*ServerInfo),
		byService: make(map[serviceKey][]*ServerInfo),
		rrCounter: make(map[serviceKey]int),
		loads:     make(map[string]float64),
	}
}

// Update atomically replaces the snapshot and returns the diff against
// the previous one.
func (c *Center) Update(list []*ServerInfo) Diff {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var diff Diff

	next := make(map[string]*ServerInfo, len(list))
	for _, in := range list {
		entry := in.clone()
		next[entry.ServerID] = entry

		prev, ok := c.servers[entry.ServerID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, entry)
		case !prev.equalTuple(entry):
			diff.Updated = append(diff.Updated, Update{Prev: prev, Cur: entry})
		}
	}

	for id, prev := range c.servers {
		if _, ok := next[id]; !ok {
			diff.Removed = append(diff.Removed, prev)
			delete(c.loads, id)
		}
	}

	c.servers = next

	c.byNid = make(map[string]*ServerInfo, len(next))
	c.byService = make(map[serviceKey][]*ServerInfo)
	for _, entry := range next {
		c.byNid[entry.Nid] = entry
		key := serviceKey{entry.ServiceID, entry.Type}
		c.byService[key] = append(c.byService[key], entry)
	}
	for _, candidates := range c.byService {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].ServerID < candidates[j].ServerID
		})
	}

	return diff
}

// Get returns the entry of a server id.
func (c *Center) Get(serverID string) (*ServerInfo, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, ok := c.servers[serverID]
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// GetByNid returns the entry carrying a wire nid.
func (c *Center) GetByNid(nid string) (*ServerInfo, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, ok := c.byNid[nid]
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// List returns the current snapshot.
func (c *Center) List() []*ServerInfo {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]*ServerInfo, 0, len(c.servers))
	for _, entry := range c.servers {
		out = append(out, entry.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServerID < out[j].ServerID
	})
	return out
}

// SetLoad feeds the load metric consumed by PolicyLeastLoaded. The core
// never measures load itself.
func (c *Center) SetLoad(serverID string, load float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.loads[serverID] = load
}

// Select picks one server of a service according to the policy. It returns
// false when no Running candidate with a positive weight exists.
func (c *Center) Select(serviceID uint16, typ ServerType, policy Policy) (*ServerInfo, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key := serviceKey{serviceID, typ}

	var candidates []*ServerInfo
	if typ == ServerTypeAny {
		for _, t := range []ServerType{ServerTypePlay, ServerTypeAPI, ServerTypeOther} {
			for _, entry := range c.byService[serviceKey{serviceID, t}] {
				if entry.State == StateRunning && entry.Weight > 0 {
					candidates = append(candidates, entry)
				}
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].ServerID < candidates[j].ServerID
		})
	} else {
		for _, entry := range c.byService[key] {
			if entry.State == StateRunning && entry.Weight > 0 {
				candidates = append(candidates, entry)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	switch policy {
	case PolicyWeighted:
		sum := 0
		for _, entry := range candidates {
			sum += entry.Weight
		}
		n := rand.Intn(sum)
		for _, entry := range candidates {
			n -= entry.Weight
			if n < 0 {
				return entry.clone(), true
			}
		}
		return candidates[len(candidates)-1].clone(), true

	case PolicyLeastLoaded:
		best := candidates[0]
		bestLoad := c.loads[best.ServerID]
		for _, entry := range candidates[1:] {
			if load := c.loads[entry.ServerID]; load < bestLoad {
				best = entry
				bestLoad = load
			}
		}
		return best.clone(), true

	default: // PolicyRoundRobin
		i := c.rrCounter[key] % len(candidates)
		c.rrCounter[key]++
		return candidates[i].clone(), true
	}
}
