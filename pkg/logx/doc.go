// Package logx is jobloop's structured logging: a small Logger over zerolog
// with field helpers, a Service whose sinks (console, JSON file, rate-limited
// alert lines) can be swapped at runtime, and a per-key Throttle for noisy
// warnings.
package logx
