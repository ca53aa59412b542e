package errors

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Draw errors
	CodeDrawNotFound      Code = "DRAW_NOT_FOUND"
	CodeDrawCreateFailed  Code = "ERR_CREATE_DRAW"
	CodeDrawInvalidSpots  Code = "DRAW_INVALID_SPOTS"
	CodeDrawInvalidStatus Code = "DRAW_INVALID_STATUS"

	// Stakeholder errors
	CodeStakeholderAlreadyRegistered Code = "STAKEHOLDER_ALREADY_REGISTERED"
	CodeStakeholderForbidden         Code = "FORBIDDEN_STAKEHOLDER"
	CodeStakeholderKeyNotFound       Code = "KEY_NOT_FOUND"
	CodeStakeholderKeySaveFailed     Code = "ERR_SAVE_KEY_DOC"

	// Request errors
	CodeMissingInformation Code = "MISSING_INFORMATION"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
)

// CodeOf extracts the machine-readable code from an error chain.
// Errors outside the domain map to CodeUnknown.
func CodeOf(err error) Code {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}
