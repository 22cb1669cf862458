package domain

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrOrderNotFound       = errors.New("order not found")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrReservationConflict = errors.New("reservation slot already booked")
	ErrAlreadyRefunded     = errors.New("order has no refundable balance left")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrForbidden           = errors.New("forbidden")
)
