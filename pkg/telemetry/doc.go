// Package telemetry wires OpenTelemetry tracing and metrics for the driver.
//
// It centralises trace provider setup, installs the W3C propagators used to
// hand trace context to engine processes, records execution metrics through
// the global meter, and offers helpers that annotate spans with access
// decisions without leaking credentials.
package telemetry
