// Package chat groups the classroom chat core: the socket server and its
// session registry (app), the reconnecting client (client), wire frames
// (protocol), the durable conversation store (storage), and presence.
package chat
