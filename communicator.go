package playhouse

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/liberrors"
	"github.com/playhouse/playhouse/pkg/wire"
)

// communicator maintains one persistent outbound link per known server id,
// plus the links accepted from peers that dialed us. Dialed links are
// keyed by server id, accepted ones by the nid announced in their hello.
type communicator struct {
	serverID    string
	nid         string
	logger      zerolog.Logger
	maxBodySize int

	// inbound packet sink.
	onInbound func(pkt *wire.RoutePacket, fromNid string)

	// notified when a link is dropped, so pending requests can be failed.
	onLinkDown func(serverID string, nid string)

	mutex   sync.RWMutex
	links   map[string]*meshLink
	inbound map[string]*meshLink
	byNid   map[string]*meshLink
	closed  bool
}

func (cm *communicator) initialize() {
	cm.links = make(map[string]*meshLink)
	cm.inbound = make(map[string]*meshLink)
	cm.byNid = make(map[string]*meshLink)
}

func (cm *communicator) close() {
	cm.mutex.Lock()
	cm.closed = true
	all := make([]*meshLink, 0, len(cm.links)+len(cm.inbound))
	for _, l := range cm.links {
		all = append(all, l)
	}
	for _, l := range cm.inbound {
		all = append(all, l)
	}
	cm.mutex.Unlock()

	for _, l := range all {
		l.close()
		l.wait()
	}
}

// connect establishes the link to a server. Idempotent: an existing link
// to the same address is left untouched.
func (cm *communicator) connect(serverID string, nid string, address string) {
	cm.mutex.Lock()
	if cm.closed {
		cm.mutex.Unlock()
		return
	}
	if cur, ok := cm.links[serverID]; ok && cur.address == address {
		cm.mutex.Unlock()
		return
	}
	cm.mutex.Unlock()

	l := &meshLink{
		cm:       cm,
		serverID: serverID,
		nid:      nid,
		address:  address,
		dialed:   true,
	}
	err := l.initialize()
	if err != nil {
		cm.logger.Warn().Err(err).Str("server", serverID).Str("address", address).
			Msg("mesh connect failed")
		return
	}

	cm.mutex.Lock()
	cm.links[serverID] = l
	cm.byNid[nid] = l
	cm.mutex.Unlock()

	cm.logger.Info().Str("server", serverID).Str("address", address).Msg("mesh link up")
}

// disconnect drops the link to a server. Idempotent. Pending requests
// bound to the target complete with a link-closed error.
func (cm *communicator) disconnect(serverID string) {
	cm.mutex.Lock()
	l, ok := cm.links[serverID]
	cm.mutex.Unlock()
	if !ok {
		return
	}

	l.close()
	l.wait()
}

// send enqueues a packet on the link of a server id.
func (cm *communicator) send(serverID string, pkt *wire.RoutePacket) error {
	cm.mutex.RLock()
	l, ok := cm.links[serverID]
	cm.mutex.RUnlock()
	if !ok {
		return liberrors.ErrLinkNotFound{Target: serverID}
	}
	return l.enqueue(pkt)
}

// sendToNid enqueues a packet on the link of a wire nid, preferring a
// dialed link and falling back to an accepted one.
func (cm *communicator) sendToNid(nid string, pkt *wire.RoutePacket) error {
	cm.mutex.RLock()
	l, ok := cm.byNid[nid]
	cm.mutex.RUnlock()
	if !ok {
		return liberrors.ErrLinkNotFound{Target: nid}
	}
	return l.enqueue(pkt)
}

// registerInbound adds a link accepted by the mesh listener.
func (cm *communicator) registerInbound(l *meshLink) bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.closed {
		return false
	}

	if prev, ok := cm.inbound[l.nid]; ok {
		// a peer reconnected before its old link died; the fresh one wins.
		go func() {
			prev.close()
			prev.wait()
		}()
	}
	cm.inbound[l.nid] = l
	if _, ok := cm.byNid[l.nid]; !ok {
		cm.byNid[l.nid] = l
	}
	return true
}

// removeLink unregisters a dead link and fires onLinkDown once.
func (cm *communicator) removeLink(l *meshLink) {
	cm.mutex.Lock()

	removed := false
	if l.dialed {
		if cur, ok := cm.links[l.serverID]; ok && cur == l {
			delete(cm.links, l.serverID)
			removed = true
		}
	} else {
		if cur, ok := cm.inbound[l.nid]; ok && cur == l {
			delete(cm.inbound, l.nid)
			removed = true
		}
	}

	if cur, ok := cm.byNid[l.nid]; ok && cur == l {
		delete(cm.byNid, l.nid)
		// keep the nid reachable through the surviving twin, if any.
		if dialed, ok2 := cm.links[l.serverID]; ok2 && dialed.nid == l.nid {
			cm.byNid[l.nid] = dialed
		} else if in, ok2 := cm.inbound[l.nid]; ok2 {
			cm.byNid[l.nid] = in
		}
	}
	cm.mutex.Unlock()

	if removed {
		cm.logger.Info().Str("server", l.serverID).Str("nid", l.nid).Msg("mesh link down")
		if cm.onLinkDown != nil {
			cm.onLinkDown(l.serverID, l.nid)
		}
	}
}
