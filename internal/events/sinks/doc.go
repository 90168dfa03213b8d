// Package sinks contains events.Sink implementations for logs and Prometheus.
package sinks
