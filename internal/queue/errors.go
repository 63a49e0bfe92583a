package queue

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidRequest    = errors.New("invalid task request")
	ErrAlreadyStarted    = errors.New("queue already started")
)
