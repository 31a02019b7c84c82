package engine

import (
	"errors"
	"fmt"
	"net/http"

	"duel-engine/internal/model"
)

// Code is the machine-readable failure reason surfaced to callers.
type Code string

const (
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeBattleNotFound    Code = "BATTLE_NOT_FOUND"
	CodeOpponentNotFound  Code = "OPPONENT_NOT_FOUND"
	CodeNotParticipant    Code = "NOT_PARTICIPANT"
	CodeNotOpponent       Code = "NOT_OPPONENT"
	CodeInvalidStatus     Code = "INVALID_STATUS"
	CodeAlreadyTapped     Code = "ALREADY_TAPPED"
	CodeUnavailable       Code = "BATTLE_UNAVAILABLE"
	CodeNoOpponent        Code = "NO_OPPONENT_FOUND"
	CodeInvalidStake      Code = "INVALID_STAKE"
	CodeInvalidArena      Code = "INVALID_ARENA"
	CodeInvalidOpponent   Code = "INVALID_OPPONENT"
	CodeInvalidPing       Code = "INVALID_PING"
	CodeInsufficientStake Code = "INSUFFICIENT_STAKE"
	CodeInternal          Code = "INTERNAL"
)

// Error is a battle failure with a stable code, the HTTP-equivalent
// status and a human hint. State conflicts carry the battle's actual status.
type Error struct {
	Code         Code
	Status       int
	Message      string
	BattleStatus model.BattleStatus
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the user can act on the failure, as opposed
// to auth, lookup or infrastructure failures.
func (e *Error) Recoverable() bool {
	switch e.Code {
	case CodeInvalidStatus, CodeAlreadyTapped, CodeUnavailable, CodeNoOpponent, CodeInsufficientStake:
		return true
	}
	return false
}

// CodeOf extracts the code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func newErr(code Code, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

func errUnauthenticated() *Error {
	return newErr(CodeUnauthenticated, http.StatusUnauthorized, "missing caller identity")
}

func errBattleNotFound(id string) *Error {
	return newErr(CodeBattleNotFound, http.StatusNotFound, "battle %s not found", id)
}

func errNotParticipant(msg string) *Error {
	return newErr(CodeNotParticipant, http.StatusForbidden, "%s", msg)
}

func errNotOpponent(msg string) *Error {
	return newErr(CodeNotOpponent, http.StatusForbidden, "%s", msg)
}

func errInvalidStatus(status model.BattleStatus, op string) *Error {
	e := newErr(CodeInvalidStatus, http.StatusConflict, "cannot %s: battle is %s", op, status)
	e.BattleStatus = status
	return e
}

func errAlreadyTapped(status model.BattleStatus) *Error {
	e := newErr(CodeAlreadyTapped, http.StatusConflict, "tap already recorded for this participant")
	e.BattleStatus = status
	return e
}

func errUnavailable(status model.BattleStatus) *Error {
	e := newErr(CodeUnavailable, http.StatusConflict, "battle is no longer available")
	e.BattleStatus = status
	return e
}

func errBadInput(code Code, format string, args ...any) *Error {
	return newErr(code, http.StatusBadRequest, format, args...)
}

func errInternal(op string, err error) *Error {
	e := newErr(CodeInternal, http.StatusInternalServerError, "%s failed", op)
	e.Err = err
	return e
}
