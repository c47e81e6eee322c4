// Package server is the network edge of GoChat: configuration, the chi router
// with its REST handlers, and the WebSocket transport.
//
// Each WebSocket connection is authenticated before the upgrade and then served
// by a Client with one read pump and one write pump. The read pump hands frames
// to the realtime hub in arrival order; the write pump drains the client's send
// buffer. The implementation is organized into files for configuration, origin
// policy, rate limiting, clients, middleware, routing and handlers.
package server
