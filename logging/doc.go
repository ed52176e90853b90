// Package logging provides a minimal logging interface and adapters for trafficmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that agents, the transport and the orchestration engine use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - MeshLogger with a level gate and context attributes
//   - With, Delivery, AdvisorCall and Stage helpers that work on any Logger
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	reg := registry.New(func(o *registry.Options) { o.Logger = logger })
//
// The interface is kept minimal so any structured logger can be plugged in.
package logging
