// Package policy decides whether an authenticated login may run a command by
// evaluating a Rego policy with the embedded Open Policy Agent engine.
//
// The query may evaluate to a boolean or to an object with "allow" and
// "reason" fields. Decisions are cached per login, party and command.
package policy
