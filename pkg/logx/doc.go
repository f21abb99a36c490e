// Package logx configures structured logging for intervald.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Noisy warnings bounded through Throttle (per-key rate limiting)
package logx
