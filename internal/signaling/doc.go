// Package signaling contains the SaltyRTC client state machine: the server
// handshake, the role-specific client handshake and the task phase.
//
// The machine never touches the network. The transport feeds it frames and
// writes whatever frames it returns, which keeps every protocol transition
// testable without a connection.
package signaling
