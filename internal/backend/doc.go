// Package backend turns validated keyless requests into responses. KeyDispatcher
// performs the private key operation against a local key store;
// ForwardDispatcher relays the request to an upstream keyless server.
package backend
