// Package model defines the provider-agnostic abstraction the traffic advisor
// uses to talk to language models.
//
// A Model turns a Request (system instructions plus conversation turns) into
// a stream of Response chunks. Complete drains that stream into a single
// answer. Providers live in sub-packages (openai, anthropic) so callers stay
// decoupled from vendor SDKs; MockModel serves tests and offline runs.
package model
