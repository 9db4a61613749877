package playhouse

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsListener terminates WebSocket clients. Any request path upgrades;
// routing is the business of whatever sits in front of the node.
type wsListener struct {
	s       *Server
	address string
	tlsConf *tls.Config
	useTLS  bool

	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
}

func (wl *wsListener) initialize() error {
	lc := net.ListenConfig{KeepAlive: wl.s.TCPKeepalive}
	ln, err := lc.Listen(context.Background(), "tcp", wl.address)
	if err != nil {
		return err
	}
	wl.ln = ln
	if wl.useTLS {
		wl.ln = tls.NewListener(wl.ln, wl.tlsConf)
	}

	wl.upgrader = websocket.Upgrader{
		ReadBufferSize:  wl.s.ReceiveBufferSize,
		WriteBufferSize: wl.s.SendBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	wl.srv = &http.Server{
		Handler: wl,
	}
	go wl.srv.Serve(wl.ln)

	return nil
}

func (wl *wsListener) close() {
	wl.srv.Close()
}

func (wl *wsListener) addr() net.Addr {
	return wl.ln.Addr()
}

func (wl *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wconn, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wl.s.newSession(newWSTransport(wconn, wl.s.MaxBodySize))
}
