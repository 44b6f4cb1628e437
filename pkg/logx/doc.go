// Package logx is jobsched's logging layer: a value-type Logger over zerolog
// with typed Field helpers, a pretty or JSON console sink, an optional JSON
// file sink, and levels that change on config reload without rebuilding the
// component loggers.
package logx
