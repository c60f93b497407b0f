// Package protocol owns the Wanderer command contract and error taxonomy.
//
// Ownership boundary:
// - command codes and the extensible registry
// - device status and measurement program payload shapes
// - sentinel errors shared by the wire, transport, and device layers
//
// The wire format was reverse engineered from one device revision;
// everything byte-shaped lives in protocol/wire as configuration,
// not here.
package protocol
