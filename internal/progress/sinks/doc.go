// Package sinks holds the progress consumers wired by the server: a zap log
// sink and a Prometheus sink.
package sinks
