package domain

import "errors"

var (
	// Not found.
	ErrQueueNotFound    = errors.New("conveyor: queue not found")
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrScheduleNotFound = errors.New("conveyor: scheduled job not found")

	// Conflicts.
	ErrQueueExists = errors.New("conveyor: queue name already exists")
	ErrQueueInUse  = errors.New("conveyor: queue still has jobs")

	// State machine.
	ErrInvalidState = errors.New("conveyor: invalid state transition")

	// Definition-time validation.
	ErrBadSchedule = errors.New("conveyor: invalid cron schedule")
)
