// Package ctlplane implements the daemon's control socket.
//
// # Overview
//
// The daemon serves JSON-RPC over a Unix socket. Every method of [Server]
// mirrors one engine command, plus Status and History for inspection.
// Connections are admitted by the peer's SO_PEERCRED uid (root or the
// configured allow list) and each peer is rate limited.
//
//	ipclientd status → Client → Unix socket → Server → Engine queue
//
// # Adding New RPC Methods
//
//  1. Define request/reply types in types.go
//  2. Add the method to Server in server.go
//  3. Add the client method in client.go
package ctlplane
