// Package diligent is an agentic coding-assistant loop: providers, tool
// execution, compaction, and session persistence wired into one turn-based
// state machine.
//
// # Core Interfaces
//
// The root package defines the contracts the rest of the module implements
// against:
//
//   - [Provider] — LLM backend (streaming chat + tool calling)
//   - [Tool] — pluggable capability dispatched through a [ToolRegistry]
//   - [Tracer] — optional span collaborator for turns, retries, and
//     compaction runs
//
// # Agent loop
//
// [RunAgentLoop] drives one session's turns: it streams a provider call
// with its own retry-with-backoff loop, dispatches any tool calls the assistant emits,
// detects repeated tool-call loops, and reports progress on an
// [EventStream] of [AgentEvent] values. [SessionManager] wraps the loop
// with persistence (append-only session entries) and proactive compaction.
//
// # Included implementations
//
// Providers: provider/anthropic, provider/openai, selected via
// provider/resolve. Tools: tools/file, tools/bash. Config: config (three
// layer JSONC merge). Knowledge: knowledge (append-only pattern/decision
// log).
//
// See cmd/diligent for a complete reference CLI.
package diligent
