package domain

import "fmt"

// EngineError is the unified error type for the repair tracker.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an EngineError with the same code, so detailed
// errors built with NewEngineError still match their sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// Detail returns a copy of sentinel with extra context appended to its message.
func Detail(sentinel *EngineError, format string, args ...any) *EngineError {
	return &EngineError{
		Code:    sentinel.Code,
		Message: sentinel.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// ---- Catalog / status / transition errors (-32010 to -32039) ----

var (
	ErrCatalogIntegrity  = &EngineError{Code: -32010, Message: "status catalog integrity violated"}
	ErrUnknownState      = &EngineError{Code: -32011, Message: "unknown workflow state"}
	ErrInvalidInterval   = &EngineError{Code: -32012, Message: "interval end precedes start"}
	ErrInvalidTransition = &EngineError{Code: -32013, Message: "invalid status transition"}
	ErrGateBlocked       = &EngineError{Code: -32014, Message: "status gate blocked transition"}
	ErrJobNotFound       = &EngineError{Code: -32015, Message: "job not found"}
	ErrDuplicateJob      = &EngineError{Code: -32016, Message: "job already exists"}
	ErrOptimisticLock    = &EngineError{Code: -32017, Message: "optimistic lock conflict: job was modified concurrently"}
	ErrNoteRequired      = &EngineError{Code: -32018, Message: "a note is required for this transition"}
	ErrSameState         = &EngineError{Code: -32019, Message: "job is already in the requested state"}
)

// ---- Checklist errors (-32040 to -32069) ----

var (
	ErrEmptyTemplate       = &EngineError{Code: -32040, Message: "checklist template has no items"}
	ErrUnknownItem         = &EngineError{Code: -32041, Message: "checklist item is not part of the active template"}
	ErrNoActiveTemplate    = &EngineError{Code: -32042, Message: "no checklist template is loaded"}
	ErrInvalidOutcome      = &EngineError{Code: -32043, Message: "invalid checklist outcome"}
	ErrChecklistIncomplete = &EngineError{Code: -32044, Message: "required checklist items are not complete"}
	ErrSaveInFlight        = &EngineError{Code: -32045, Message: "a checklist save is already in flight"}
	ErrStaleSave           = &EngineError{Code: -32046, Message: "checklist template changed while saving; result discarded"}
	ErrTemplateNotFound    = &EngineError{Code: -32047, Message: "problem template not found"}
	ErrItemIndexOutOfRange = &EngineError{Code: -32048, Message: "checklist item index out of range"}
	ErrDuplicateItem       = &EngineError{Code: -32049, Message: "checklist item id appears more than once"}
)

// ---- History / notification errors (-32070 to -32099) ----

var (
	ErrReconstructionAmbiguity = &EngineError{Code: -32070, Message: "annotation does not describe a status transition"}
	ErrNotificationNotFound    = &EngineError{Code: -32071, Message: "notification not found"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit     = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery    = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite    = &EngineError{Code: -32132, Message: "store write failed"}
	ErrConfigInvalid = &EngineError{Code: -32136, Message: "invalid configuration"}
)
