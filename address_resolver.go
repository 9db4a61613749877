package playhouse

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/playhouse/playhouse/pkg/serverinfo"
)

// addressResolver periodically pulls the fleet from the discovery
// function, feeds it into the server info center and drives the
// communicator from the resulting diff.
type addressResolver struct {
	logger   zerolog.Logger
	me       string
	interval time.Duration
	fetch    FetchFleetFunc
	center   *serverinfo.Center
	cm       *communicator

	// fired after every non-empty diff.
	onChanged func(diff serverinfo.Diff)

	chClose chan struct{}
	done    chan struct{}
}

func (ar *addressResolver) initialize() {
	ar.chClose = make(chan struct{})
	ar.done = make(chan struct{})

	go ar.run()
}

func (ar *addressResolver) close() {
	close(ar.chClose)
	<-ar.done
}

func (ar *addressResolver) run() {
	defer close(ar.done)

	ar.cycle()

	ticker := time.NewTicker(ar.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ar.cycle()

		case <-ar.chClose:
			return
		}
	}
}

func (ar *addressResolver) cycle() {
	list, err := ar.fetch()
	if err != nil {
		ar.logger.Warn().Err(err).Msg("fleet fetch failed")
		return
	}

	diff := ar.center.Update(list)

	for _, entry := range diff.Added {
		if entry.ServerID == ar.me {
			continue
		}
		if entry.State == serverinfo.StateRunning {
			ar.cm.connect(entry.ServerID, entry.Nid, entry.Address)
		}
	}

	for _, up := range diff.Updated {
		if up.Cur.ServerID == ar.me {
			continue
		}
		switch {
		case up.Prev.Address != up.Cur.Address:
			ar.cm.disconnect(up.Cur.ServerID)
			if up.Cur.State == serverinfo.StateRunning {
				ar.cm.connect(up.Cur.ServerID, up.Cur.Nid, up.Cur.Address)
			}

		case up.Cur.State == serverinfo.StateDisabled:
			ar.cm.disconnect(up.Cur.ServerID)

		case up.Prev.State != serverinfo.StateRunning && up.Cur.State == serverinfo.StateRunning:
			ar.cm.connect(up.Cur.ServerID, up.Cur.Nid, up.Cur.Address)
		}
	}

	for _, entry := range diff.Removed {
		if entry.ServerID == ar.me {
			continue
		}
		ar.cm.disconnect(entry.ServerID)
	}

	if !diff.Empty() && ar.onChanged != nil {
		ar.onChanged(diff)
	}
}
