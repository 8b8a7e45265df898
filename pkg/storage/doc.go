// Package storage holds what the run history adapters share: the sentinel
// errors they return.
//
// Adapters (memory, postgres) implement the transport.RunStore interface
// defined in pkg/transport/handler.go.
package storage
