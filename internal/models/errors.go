package models

import "errors"

var (
	// ErrValidation is returned for malformed coordinates or amounts.
	ErrValidation = errors.New("validation failed")

	// ErrSessionConflict is returned when the driver already has an active session.
	ErrSessionConflict = errors.New("driver already has an active homeward session")

	// ErrQuotaExceeded is returned when today's session quota is exhausted.
	ErrQuotaExceeded = errors.New("daily homeward session quota exhausted")

	// ErrCooldown is returned while a post-failure cooldown window is running.
	ErrCooldown = errors.New("homeward cooldown window still running")

	// ErrRestricted is returned when anti-abuse flags disable premium matching.
	ErrRestricted = errors.New("premium matching disabled for driver")

	// ErrLocationUnavailable is returned when the driver has no usable position.
	ErrLocationUnavailable = errors.New("driver location unavailable")

	// ErrNotFound is returned for unknown sessions, intents or drivers.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a transition is not permitted from the
	// entity's current state. Settlement on a terminal intent must be loud.
	ErrInvalidState = errors.New("transition not permitted from current state")

	// ErrExpired is returned when an intent's funding TTL has elapsed.
	ErrExpired = errors.New("payment intent expired")
)
