// Package converge is a SIP (RFC 3261) protocol engine: a transaction and
// transport stack (package sip), a dialog usage manager with an INVITE
// session state machine (package dum), and a conversation manager that
// multiplexes media participants over established dialogs (package
// conversation).
//
// The stack is an in-memory engine. Applications drive it through the
// conversation manager or directly through the dialog usage manager; all
// protocol work happens on a single stack goroutine, crossings go through
// bounded fifos.
package converge

// Version is the library version.
const Version = "0.3.0"
