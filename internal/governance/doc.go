// Package governance holds the runtime safety controls of the driver: the
// bounded retry loop used for identity service calls and per-command
// execution throttling.
package governance
