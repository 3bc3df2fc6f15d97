// Package transport serves the client WebSocket endpoint.
//
// A handshake is authenticated before the upgrade; rejected handshakes get a
// plain HTTP error with a JSON body. Accepted connections are registered as
// the user's canonical connection, told whether the registry is degraded and
// whether a previous session was restored, and then kept alive by client
// pings. Sockets superseded by a newer handshake on this instance are closed
// with code 4001.
package transport
