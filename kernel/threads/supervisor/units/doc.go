// Package units holds the concrete modules plugged into the chip.
//
// Module state is not guarded: the chip serializes every call into a
// module, including health and snapshot reads.
package units
