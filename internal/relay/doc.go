// Package relay implements the signaling relay: a connection-oriented
// router for small control messages (room membership, offer/answer, ICE
// candidates, call lifecycle) between identified endpoints. It holds no
// media and no persistent state; everything here is routing metadata that
// dies with the process.
//
// The relay never blocks a sender on an unreachable target and never
// retries delivery. Messages to targets that no longer exist are dropped
// silently (counted, logged at debug); the coordinators on the client own
// all failure and timeout handling.
package relay
