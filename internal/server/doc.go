// Package server wraps the process's HTTP listener: one chi route group
// under /api/v1 behind a body-size limit and a permissive CORS policy,
// with blocking Serve and asynchronous RequestStop.
package server
