// Package remote mirrors router traffic to a remote proxy and receives the
// proxy's notifications.
//
// Two Proxy implementations exist: WebSocketProxy keeps one outbound
// connection to a relay and reconnects with backoff; NATSProxy publishes on
// <prefix>.<direction>.<sender> subjects and listens on
// <prefix>.notifications.
//
// The Forwarder wraps whichever proxy is configured. Mirroring is best
// effort; RequireRemote makes a missing or failing proxy an error for the
// dispatcher's last delivery tier.
package remote
