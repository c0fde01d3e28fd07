// Package transport moves signed envelopes between agent processes.
//
// # Paths
//
// Every agent runs one Server on a port chosen by a PortAllocator and
// announces it in the shared log's registry stream. A Client sending to that
// agent looks up the newest endpoint record, probes GET /status, and POSTs
// the envelope. When any of that fails the envelope is appended to the
// shared message stream instead and the send still succeeds with
// Result.Path == PathFile.
//
// Broadcasts (to "all") are posted to every live endpoint and always written
// to the log, so agents that are offline receive them through catch-up.
//
// # Accepting
//
// Both paths end in Receiver: Precheck (recipient, processed set,
// authentication) and then Accept, which claims the message in the
// processed set before calling the Handler. A message that arrives over
// both paths is handled once.
//
// # Attachments
//
// Attachments travel as file parts of POST /message-multi and are checked
// against the SHA-256 in the signed envelope. Parts above the inline limit
// stream into a content-addressed blob directory. On the file path the
// sender copies attachments into the shared AttachmentStore before
// appending the envelope.
package transport
