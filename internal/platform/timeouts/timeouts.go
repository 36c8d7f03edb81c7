// Package timeouts defines shared timeout constants used across the chat
// server and client so transport budgets stay consistent.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// IdentityVerify caps a single identity introspection call.
const IdentityVerify = 3 * time.Second

// WebSocketWrite caps a single frame write to a peer.
const WebSocketWrite = 10 * time.Second

// WebSocketPongWait is how long a peer may stay silent before it is treated
// as dead. Pings are sent at nine tenths of this window.
const WebSocketPongWait = 60 * time.Second

// WebSocketHandshake caps the client-side upgrade handshake.
const WebSocketHandshake = 10 * time.Second

// StoreOperation caps a single durable-store call made on behalf of a frame.
const StoreOperation = 5 * time.Second
