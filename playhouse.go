// Package playhouse is a distributed runtime for realtime multiplayer
// services. Play nodes own stateful stages driven by single-owner event
// loops; API nodes run stateless handlers; a server mesh routes packets
// between nodes and client sessions.
package playhouse
