// Package bridge implements driver.Engine on top of child processes.
//
// Each configured command maps to an argv. An execution starts the process,
// decodes the request body into its stdin and encodes its stdout into the
// response. A non-zero exit becomes an engine failure carrying the exit code
// and the tail of stderr.
package bridge
