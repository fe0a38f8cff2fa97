package buildq

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("buildq: no store configured")
	ErrStoreClosed = errors.New("buildq: store closed")

	// Not found errors.
	ErrJobNotFound = errors.New("buildq: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("buildq: job already exists")

	// Admission errors.
	ErrOwnerBusy      = errors.New("buildq: owner already has an active job")
	ErrCooldownActive = errors.New("buildq: owner cooldown has not elapsed")

	// Progress errors.
	ErrStageRegression = errors.New("buildq: progress stage cannot move backwards")
	ErrInvalidStage    = errors.New("buildq: unknown progress stage")
)
