package domain

import "errors"

var (
	ErrInvalidWorker     = errors.New("worker is not registered")
	ErrQueueFull         = errors.New("worker queue is full")
	ErrDeliveryFailed    = errors.New("message delivery failed")
	ErrExpired           = errors.New("message expired")
	ErrInvalidWorkerType = errors.New("invalid worker type")
	ErrTransitionFailed  = errors.New("mode transition failed")
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrFlowchartNotFound = errors.New("flowchart not found")
	ErrInvalidMode       = errors.New("invalid mode")
)
