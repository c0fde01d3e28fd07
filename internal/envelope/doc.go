// Package envelope defines the signed message exchanged between agents and
// its canonical encoding.
package envelope
