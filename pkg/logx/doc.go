// Package logx provides structured logging on top of zerolog with
// hot-swappable sinks (console, JSON file).
//
// Loggers obtained from a Service stay valid across Apply() calls, so
// components can hold a Logger for their whole lifetime while the
// operator changes levels or sinks at runtime.
package logx
