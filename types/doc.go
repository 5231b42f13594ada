// Package types defines the shared error taxonomy and payload type used
// across the workflow engine, journey state machine, and node handlers.
package types
