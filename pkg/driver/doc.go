// Package driver bridges transport streams to an execution engine.
//
// A Driver runs one request as three concurrent tasks: a flow-controlled pipe
// from the inbound transport stream into an input relay, the engine call
// itself, and a second pipe from the output relay back to the transport. The
// relays apply low/high watermark backpressure between the transport and the
// engine. The three outcomes are joined into a single ExecutionResult where the
// first failure wins.
package driver
