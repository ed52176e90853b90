// Package core provides the foundational domain types, interfaces and error
// taxonomy shared by every trafficmesh component. It defines:
//
//   - Journeys and choke points (the traffic records the pipeline reads and mutates)
//   - Congestion assessments and predictions (immutable scoring snapshots)
//   - Agent descriptors (identity, capabilities and liveness for discovery)
//   - Orchestration cycles, decisions and intervention plans
//   - Execution results reported by the communications role
//   - Small store interfaces for journeys, choke points and agent descriptors
//
// The package keeps implementation concerns (persistence, transport,
// orchestration) out of scope, exposing small interfaces so durable backends
// and alternative transports can be plugged in.
package core
