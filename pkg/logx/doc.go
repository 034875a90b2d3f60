// Package logx provides the process-wide structured logging facade.
//
// It wraps zerolog behind a small Logger value type so components can be
// handed a logger without caring about sink configuration, and so sinks
// (console, file) can be swapped at runtime via Service.Apply without
// replacing loggers already held by components.
package logx
