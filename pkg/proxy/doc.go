// Package proxy exposes the driver over HTTP.
//
// Each /api/{command} request streams its body into the driver and the
// command output back into the response. The outcome is reported in the
// X-Polis-Response-Code and X-Polis-Response-Message trailers once the body
// is complete, or as a JSON error when nothing was written yet.
package proxy
