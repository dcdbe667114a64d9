// Package server implements the HTTP and WebSocket transport of the chat relay.
//
// The hub owns every open connection and runs a single event loop: client
// registration, disconnects and decoded inbound events are handed to the
// relay handler one at a time, and the handler's deliveries are queued on
// each client's buffered send channel. Read and write pumps per client move
// frames between that channel and the socket.
package server
