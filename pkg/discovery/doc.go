// Package discovery implements mDNS/DNS-SD browsing for monitoring
// agents.
//
// Agents advertise the service type _tkm-monitor._tcp in the local
// domain. The SRV record carries the agent's listening port; an optional
// "name" TXT key carries a friendly name, with the instance name as the
// fallback. Answers for the same instance arriving over several
// interfaces are aggregated into one entry.
//
// Browsing only reports endpoints. Registering or connecting to a
// discovered agent is the caller's decision.
package discovery
