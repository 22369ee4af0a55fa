package domain

import "errors"

var (
	// ErrMediaAcquisition: device absent or refused. Aborts the action,
	// never retried automatically.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrSignalingDelivery: relay write failed. The caller decides on retry.
	ErrSignalingDelivery = errors.New("signaling delivery failed")
	// ErrNegotiationState: description applied in an invalid signaling
	// state. Handled by deferred retry, not surfaced to users.
	ErrNegotiationState = errors.New("invalid negotiation state")
	// ErrConnectionFailed: ICE failed or disconnected.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrInitialization: the join sequence failed terminally.
	ErrInitialization = errors.New("call initialization failed")

	ErrCallInactive = errors.New("call is not active")
	ErrNoActiveLink = errors.New("no active connection")
)
