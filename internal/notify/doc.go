// Package notify delivers fire-and-forget host notifications (message, file
// and task arrivals, escalations, condensation failures). Sinks never block:
// the WebSocket Hub drops events for subscribers that fall behind.
package notify
