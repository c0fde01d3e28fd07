// Package dedupe provides a bounded, time-windowed key store. The identity
// layer uses it as the replay window for (sender, nonce) pairs; the transport
// uses it to drop messages that arrive over both delivery paths.
package dedupe
