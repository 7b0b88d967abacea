package failure

import (
	"fmt"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
)

// Code is the stable, machine readable identifier attached to fatal errors.
type Code string

const (
	CodeEmptyDependence     Code = "EMPTY_DEPENDENCE_CONSTRAINT"
	CodeDuplicateAllocation Code = "DUPLICATE_PHYSICAL_ALLOCATION"
	CodeNotInitialized      Code = "PAGE_MANAGER_NOT_INITIALIZED"
	CodeDoubleInitialize    Code = "DOUBLE_INITIALIZE"
	CodeBanksConfigured     Code = "MEMORY_BANKS_ALREADY_CONFIGURED"
	CodeBanksNotConfigured  Code = "MEMORY_BANKS_NOT_CONFIGURED"
	CodeThreadMismatch      Code = "THREAD_ID_MISMATCH"
	CodeSpAlignConflict     Code = "SP_ALIGNMENT_CONFLICT"
	CodeDanglingReference   Code = "DANGLING_REFERENCE"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeUnknownBank         Code = "UNKNOWN_MEMORY_BANK"
)

// EmptyConstraintError reports that a constraint operation produced nothing to choose from.
// It is always recoverable: the caller should try another candidate.
type EmptyConstraintError struct {
	Op string
}

func (e *EmptyConstraintError) Error() string {
	return fmt.Sprintf("empty constraint: %s", e.Op)
}

// OperandError reports that an operand cannot reach a legal value under the caller's constraints.
type OperandError struct {
	Operand    string
	Constraint string
	Reason     string
}

func (e *OperandError) Error() string {
	return fmt.Sprintf("operand %q: %s (constraint %s)", e.Operand, e.Reason, e.Constraint)
}

// FatalError is an invariant violation. Generation must stop.
type FatalError struct {
	Code Code
	Msg  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
}

func Empty(op string) *errors.Error {
	return errors.Wrap(&EmptyConstraintError{Op: op}, 1)
}

func Operand(operand, constraint, format string, args ...interface{}) *errors.Error {
	return errors.Wrap(&OperandError{Operand: operand, Constraint: constraint, Reason: fmt.Sprintf(format, args...)}, 1)
}

// Fatal builds a FatalError and logs it with its code and stack before handing it back.
func Fatal(code Code, format string, args ...interface{}) *errors.Error {
	err := errors.Wrap(&FatalError{Code: code, Msg: fmt.Sprintf(format, args...)}, 1)
	log.WithFields(log.Fields{"code": code, "error": err.Error(), "stack": err.ErrorStack()}).Error("Invariant violation")
	return err
}

func Wrap(err error) *errors.Error {
	if err != nil {
		return errors.Wrap(err, 1)
	}
	return nil
}

func cause(err error) error {
	if e, ok := err.(*errors.Error); ok && e != nil {
		return e.Err
	}
	return err
}

func IsEmptyConstraint(err error) bool {
	_, ok := cause(err).(*EmptyConstraintError)
	return ok
}

func IsOperandError(err error) bool {
	_, ok := cause(err).(*OperandError)
	return ok
}

func IsFatal(err error) bool {
	_, ok := cause(err).(*FatalError)
	return ok
}

// CodeOf returns the failure code of a fatal error, or "" for anything else.
func CodeOf(err error) Code {
	if f, ok := cause(err).(*FatalError); ok {
		return f.Code
	}
	return ""
}

// Retryable is true for the two recoverable classes of the taxonomy.
func Retryable(err error) bool {
	return IsEmptyConstraint(err) || IsOperandError(err)
}
