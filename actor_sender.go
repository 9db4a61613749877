package playhouse

import (
	"github.com/playhouse/playhouse/pkg/liberrors"
)

// ActorSender is the communication surface handed to a content actor. It
// extends the stage sender with the actor's identity and client endpoint.
// Like the stage sender, it is confined to the stage loop.
type ActorSender struct {
	*StageSender

	accountID  string
	sessionNid string
	sid        int64
	apiNid     string
}

// Authenticate fixes the account id of the joining actor. It must be
// called from OnAuthenticate before returning true.
func (a *ActorSender) Authenticate(accountID string) {
	a.accountID = accountID
}

// AccountID returns the authenticated account id; empty before
// authentication.
func (a *ActorSender) AccountID() string {
	return a.accountID
}

// SessionNid returns the node currently hosting the actor's client
// session.
func (a *ActorSender) SessionNid() string {
	return a.sessionNid
}

// Sid returns the session id on the hosting node.
func (a *ActorSender) Sid() int64 {
	return a.sid
}

// rebind points the actor at a new client endpoint after a reconnect.
func (a *ActorSender) rebind(sessionNid string, sid int64, apiNid string) {
	a.sessionNid = sessionNid
	a.sid = sid
	a.apiNid = apiNid
}

// SendToClient pushes a message to this actor's own client.
func (a *ActorSender) SendToClient(msgID string, payload []byte) error {
	if a.sessionNid == "" {
		return liberrors.ErrNoClientBound{AccountID: a.accountID}
	}
	return a.StageSender.SendToClient(a.sessionNid, a.sid, msgID, payload)
}

// LeaveStage removes this actor from the stage. Its OnDestroy runs
// immediately; the stage itself stays alive.
func (a *ActorSender) LeaveStage() {
	a.st.removeActor(a.accountID)
}
