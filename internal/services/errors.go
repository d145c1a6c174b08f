// Package services defines the business logic for message routing and
// read-state tracking. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages, HTTP status codes, or WebSocket
// close codes should be performed at the handler layer.
package services

import "errors"

// Routing-related errors.
var (
	// ErrPersistFailed indicates the message store rejected the append. The
	// message was not accepted and nothing was broadcast.
	ErrPersistFailed = errors.New("message persistence failed")

	// ErrEmptyText is returned when an inbound frame carries no body text.
	ErrEmptyText = errors.New("message text is empty")

	// ErrReceiverRequired is returned when an inbound frame names no
	// receiver identity.
	ErrReceiverRequired = errors.New("receiver phone is required")

	// ErrNoRelayAddress indicates the recipient has no resolvable relay
	// address. It degrades delivery, never the send request itself.
	ErrNoRelayAddress = errors.New("no relay address for recipient")
)
