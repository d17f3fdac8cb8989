package status

import (
	"errors"
	"net/http"
)

var (
	// ErrAlreadyLocked is returned when another holder owns the lock. Expected under load.
	ErrAlreadyLocked = errors.New("lock: already locked by another holder")
	// ErrSeatNotLocked is returned when a reservation references a seat the caller does not hold.
	ErrSeatNotLocked = errors.New("lock: seat not locked by caller")

	ErrReservationNotFound = errors.New("reservation: reservation not found")
	ErrReservationExpired  = errors.New("reservation: reservation expired")
	ErrAlreadyConfirmed    = errors.New("reservation: reservation already confirmed")
	ErrAmountMismatch      = errors.New("reservation: paid amount does not match total")
	ErrInvalidTransition   = errors.New("reservation: invalid status transition")

	ErrInsufficientInventory = errors.New("inventory: insufficient quantity available")
	// ErrSeatUnavailable is returned when a seat already belongs to another pending or paid reservation.
	ErrSeatUnavailable = errors.New("inventory: seat already reserved or sold")

	// ErrStoreUnavailable means the shared store could not be reached. Callers must fail closed.
	ErrStoreUnavailable = errors.New("store: shared store unavailable")

	ErrInvalidArgument = errors.New("request: invalid argument")
)

// Code identifies a domain error in API responses.
type Code string

const (
	CodeAlreadyLocked         Code = "ALREADY_LOCKED"
	CodeSeatNotLocked         Code = "SEAT_NOT_LOCKED"
	CodeReservationNotFound   Code = "RESERVATION_NOT_FOUND"
	CodeReservationExpired    Code = "RESERVATION_EXPIRED"
	CodeAlreadyConfirmed      Code = "ALREADY_CONFIRMED"
	CodeAmountMismatch        Code = "AMOUNT_MISMATCH"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeInsufficientInventory Code = "INSUFFICIENT_INVENTORY"
	CodeSeatUnavailable       Code = "SEAT_UNAVAILABLE"
	CodeStoreUnavailable      Code = "STORE_UNAVAILABLE"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInternal              Code = "INTERNAL_ERROR"
)

type kind struct {
	err    error
	code   Code
	status int
}

// Order matters only for errors wrapping more than one sentinel; the first match wins.
var kinds = []kind{
	{ErrStoreUnavailable, CodeStoreUnavailable, http.StatusServiceUnavailable},
	{ErrAlreadyLocked, CodeAlreadyLocked, http.StatusConflict},
	{ErrSeatNotLocked, CodeSeatNotLocked, http.StatusConflict},
	{ErrReservationNotFound, CodeReservationNotFound, http.StatusNotFound},
	{ErrReservationExpired, CodeReservationExpired, http.StatusGone},
	{ErrAlreadyConfirmed, CodeAlreadyConfirmed, http.StatusBadRequest},
	{ErrAmountMismatch, CodeAmountMismatch, http.StatusUnprocessableEntity},
	{ErrInvalidTransition, CodeInvalidTransition, http.StatusConflict},
	{ErrInsufficientInventory, CodeInsufficientInventory, http.StatusConflict},
	{ErrSeatUnavailable, CodeSeatUnavailable, http.StatusConflict},
	{ErrInvalidArgument, CodeInvalidArgument, http.StatusBadRequest},
}

func lookup(err error) (kind, bool) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k, true
		}
	}
	return kind{}, false
}

// CodeOf maps err onto the closed set of codes. Unknown errors are CodeInternal.
func CodeOf(err error) Code {
	if k, ok := lookup(err); ok {
		return k.code
	}
	return CodeInternal
}

// HTTPStatus maps err onto a response status. Unknown errors are 500.
func HTTPStatus(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// IsExpected reports errors that are normal outcomes under contention and should not be logged as failures.
func IsExpected(err error) bool {
	return errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrAlreadyConfirmed) ||
		errors.Is(err, ErrReservationExpired) ||
		errors.Is(err, ErrSeatNotLocked)
}
