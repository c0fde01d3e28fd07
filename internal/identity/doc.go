// Package identity creates agent identities and authenticates the messages
// they exchange.
//
// Each agent owns an Ed25519 keypair. The private key is written in OpenSSH
// format to the key directory with owner-only permissions and never leaves
// it; the public key is published to the shared key registry. CreateIdentity
// is synchronous: an identity is returned only when its key exists on disk, is
// published, and is authorized locally.
//
// Sign produces an SSH-format signature over the envelope's canonical
// encoding. Verify applies, in order: the authorized set, the timestamp
// window, the nonce replay check, the signature, and finally an atomic mark of
// the (from, nonce) pair. Every rejection is logged and written to the audit
// log; rejected messages are never retried.
package identity
