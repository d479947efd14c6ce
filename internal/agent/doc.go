// Package agent contains the core orchestrator responsible for turning a
// research topic into a structured report. It drives the chat completion loop,
// handles tool invocation, and archives finished reports.
package agent
