// Package lifecycle holds the process-wide lifecycle state machine,
// stop reasons and the systemd readiness notifications tied to them.
package lifecycle
