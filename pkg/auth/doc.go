// Package auth talks to the identity services used by the proxy: Blackbox
// for OAuth token validation and the OAuth server for authorization code
// exchange. Both calls go through the bounded retry loop in
// internal/governance and are tagged with a per-call marker.
package auth
