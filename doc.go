// Package hassws implements a long-lived client for the Home Assistant
// websocket API.
//
// The client multiplexes many concurrent request/response exchanges and
// open-ended event subscriptions over a single connection. It authenticates
// on connect, detects connection loss (including loss caused by oversized
// inbound frames), reconnects with backoff and replays active subscriptions,
// so callers observe at most transient unavailability.
//
// The package exposes:
//   - SendCommand / SendCommandNoWait for correlated and fire-and-forget
//     commands
//   - Subscribe for long-lived event subscriptions that survive reconnects
//   - typed convenience calls (GetStates, CallService, registry dumps) layered
//     on top of the same primitives
package hassws
