// Package agent contains the four trafficmesh agent roles and the plumbing
// they share. The package focuses on three concerns:
//
//  1. Lifecycle plumbing (BaseAgent): registration, heartbeats, health
//  2. Role agents with a closed A2A task table (ObserverAgent,
//     SimulationAgent, CommunicationsAgent, OrchestratorAgent)
//  3. Remote adapters that let the orchestrator engine talk to the other
//     roles over A2A instead of in-process calls
//
// Execution model:
//   - Every agent answers task envelopes addressed to its id and to each of
//     its capability tags
//   - Start registers the agent and keeps its heartbeat alive until Stop
//   - A role agent never reaches into another role's state; cross-role work
//     goes through the registry and an a2a.Client
package agent
