// Package logx configures validatord's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Runtime level/sink swaps (config hot reload) without re-plumbing loggers
package logx
