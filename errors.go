// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"errors"
	"fmt"
)

// ErrorCode is the flat enumeration of portable error kinds used by this
// package.  The values match the GSS routine-error numbering from RFC 2744
// § 3.9.1 so that codes survive round trips through diagnostics unchanged.
type ErrorCode uint8

const (
	CodeBadMech             ErrorCode = iota + 1 // An unsupported mechanism was requested
	CodeBadName                                  // An invalid name was supplied
	CodeBadNameType                              // A supplied name was of an unsupported type
	CodeBadBindings                              // Incorrect channel bindings were supplied
	CodeBadStatus                                // An invalid status code was supplied
	CodeBadMIC                                   // A token had an invalid MIC
	CodeNoCred                                   // No credentials were supplied or available
	CodeNoContext                                // No context has been established
	CodeDefectiveToken                           // A token was invalid
	CodeDefectiveCredential                      // A credential was invalid
	CodeCredentialsExpired                       // The referenced credentials have expired
	CodeContextExpired                           // The context has expired
	CodeFailure                                  // Miscellaneous failure
	CodeBadQOP                                   // The quality-of-protection requested could not be provided
	CodeUnauthorized                             // The operation is forbidden by local security policy
	CodeUnavailable                              // The operation or option is unavailable
	CodeDuplicateElement                         // The requested credential element already exists
	CodeNameNotMN                                // The provided name was not a mechanism name

	_codeLast
)

// Error variables that correspond to the error kinds above.  These implement
// the error interface and can be used with Go's standard error handling;
// every Status returned by this package unwraps to one of them.

var ErrBadMech = errors.New("an unsupported mechanism was requested")
var ErrBadName = errors.New("an invalid name was supplied")
var ErrBadNameType = errors.New("a supplied name was of an unsupported type")
var ErrBadBindings = errors.New("incorrect channel bindings were supplied")
var ErrBadStatus = errors.New("an invalid status code was supplied")
var ErrBadMic = errors.New("a token had an invalid signature")
var ErrBadSig = ErrBadMic // ErrBadSig is an alias for ErrBadMic for compatibility
var ErrNoCred = errors.New("no credentials were supplied, or the credentials were unavailable or inaccessible")
var ErrNoContext = errors.New("no context has been established")
var ErrDefectiveToken = errors.New("invalid token was supplied")
var ErrDefectiveCredential = errors.New("invalid credential was supplied")
var ErrCredentialsExpired = errors.New("the referenced credentials have expired")
var ErrContextExpired = errors.New("the context has expired")
var ErrFailure = errors.New("unspecified security failure.  Native code may provide more information")
var ErrBadQop = errors.New("the quality-of-protection (QOP) requested could not be provided")
var ErrUnauthorized = errors.New("the operation is forbidden by local security policy")
var ErrUnavailable = errors.New("the operation or option is not available or supported")
var ErrDuplicateElement = errors.New("the requested credential element already exists")
var ErrNameNotMn = errors.New("the provided name was not mechanism specific (MN)")

// ErrUnseqToken reports an out-of-order or replayed per-message token.
// Accepting such a token would void the replay protection guarantee, so it is
// a hard failure here rather than the supplementary status GSSAPI uses.
var ErrUnseqToken = errors.New("a later token has already been processed")

var sentinels = [...]error{
	CodeBadMech:             ErrBadMech,
	CodeBadName:             ErrBadName,
	CodeBadNameType:         ErrBadNameType,
	CodeBadBindings:         ErrBadBindings,
	CodeBadStatus:           ErrBadStatus,
	CodeBadMIC:              ErrBadMic,
	CodeNoCred:              ErrNoCred,
	CodeNoContext:           ErrNoContext,
	CodeDefectiveToken:      ErrDefectiveToken,
	CodeDefectiveCredential: ErrDefectiveCredential,
	CodeCredentialsExpired:  ErrCredentialsExpired,
	CodeContextExpired:      ErrContextExpired,
	CodeFailure:             ErrFailure,
	CodeBadQOP:              ErrBadQop,
	CodeUnauthorized:        ErrUnauthorized,
	CodeUnavailable:         ErrUnavailable,
	CodeDuplicateElement:    ErrDuplicateElement,
	CodeNameNotMN:           ErrNameNotMn,
}

// Err returns the sentinel error corresponding to the code, or ErrBadStatus
// for an out of range code.
func (c ErrorCode) Err() error {
	if c == 0 || c >= _codeLast {
		return ErrBadStatus
	}

	return sentinels[c]
}

func (c ErrorCode) String() string {
	if c == 0 || c >= _codeLast {
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}

	return [...]string{
		"BAD_MECH", "BAD_NAME", "BAD_NAMETYPE", "BAD_BINDINGS", "BAD_STATUS",
		"BAD_MIC", "NO_CRED", "NO_CONTEXT", "DEFECTIVE_TOKEN",
		"DEFECTIVE_CREDENTIAL", "CREDENTIALS_EXPIRED", "CONTEXT_EXPIRED",
		"FAILURE", "BAD_QOP", "UNAUTHORIZED", "UNAVAILABLE",
		"DUPLICATE_ELEMENT", "NAME_NOT_MN",
	}[c-1]
}

// NativeSource identifies the platform security subsystem a wrapped native
// error code came from.
type NativeSource uint8

const (
	NativeNone   NativeSource = iota
	NativeGSSAPI              // GSS major status code
	NativeSSPI                // Windows SEC_E HRESULT
)

// Status is the error record returned by this package.  It carries a
// portable error kind, an optional context string supplied by the raising
// layer and, where the error originated in a platform security subsystem,
// the native error code for diagnostics.  The native code is never used for
// control flow; callers should test the kind with errors.Is against the
// sentinel error variables.
type Status struct {
	Code         ErrorCode
	Context      string
	NativeCode   int64
	NativeSource NativeSource
}

func (s Status) Error() string {
	msg := s.Code.Err().Error()

	if s.Context != "" {
		msg += ": " + s.Context
	}

	switch s.NativeSource {
	case NativeGSSAPI:
		msg += fmt.Sprintf(" (GSS major 0x%08x)", uint64(s.NativeCode))
	case NativeSSPI:
		msg += fmt.Sprintf(" (SSPI 0x%08x)", uint32(s.NativeCode))
	}

	return msg
}

func (s Status) Unwrap() error {
	return s.Code.Err()
}

// errStatus builds a Status with a formatted context string.
func errStatus(code ErrorCode, format string, args ...interface{}) Status {
	return Status{Code: code, Context: fmt.Sprintf(format, args...)}
}

// gssMajorCodes maps GSS-API major status codes (the routine-error portion,
// RFC 2744 § 3.9.1) onto portable error kinds.  The table is a plain map
// constructed here; there is no registration machinery.
var gssMajorCodes = map[uint32]ErrorCode{
	1 << 16:  CodeBadMech,             // GSS_S_BAD_MECH
	2 << 16:  CodeBadName,             // GSS_S_BAD_NAME
	3 << 16:  CodeBadNameType,         // GSS_S_BAD_NAMETYPE
	4 << 16:  CodeBadBindings,         // GSS_S_BAD_BINDINGS
	5 << 16:  CodeBadStatus,           // GSS_S_BAD_STATUS
	6 << 16:  CodeBadMIC,              // GSS_S_BAD_MIC / GSS_S_BAD_SIG
	7 << 16:  CodeNoCred,              // GSS_S_NO_CRED
	8 << 16:  CodeNoContext,           // GSS_S_NO_CONTEXT
	9 << 16:  CodeDefectiveToken,      // GSS_S_DEFECTIVE_TOKEN
	10 << 16: CodeDefectiveCredential, // GSS_S_DEFECTIVE_CREDENTIAL
	11 << 16: CodeCredentialsExpired,  // GSS_S_CREDENTIALS_EXPIRED
	12 << 16: CodeContextExpired,      // GSS_S_CONTEXT_EXPIRED
	13 << 16: CodeFailure,             // GSS_S_FAILURE
	14 << 16: CodeBadQOP,              // GSS_S_BAD_QOP
	15 << 16: CodeUnauthorized,        // GSS_S_UNAUTHORIZED
	16 << 16: CodeUnavailable,         // GSS_S_UNAVAILABLE
	17 << 16: CodeDuplicateElement,    // GSS_S_DUPLICATE_ELEMENT
	18 << 16: CodeNameNotMN,           // GSS_S_NAME_NOT_MN
}

// sspiCodes maps Windows SSPI SEC_E HRESULT values onto portable error
// kinds.  Codes are the signed 32-bit values as surfaced by the Windows
// error type.
var sspiCodes = map[int64]ErrorCode{
	-2146893055: CodeNoContext,           // SEC_E_INVALID_HANDLE
	-2146893054: CodeUnavailable,         // SEC_E_UNSUPPORTED_FUNCTION
	-2146893053: CodeBadName,             // SEC_E_TARGET_UNKNOWN
	-2146893052: CodeFailure,             // SEC_E_INTERNAL_ERROR
	-2146893051: CodeBadMech,             // SEC_E_SECPKG_NOT_FOUND
	-2146893048: CodeDefectiveToken,      // SEC_E_INVALID_TOKEN
	-2146893046: CodeBadQOP,              // SEC_E_QOP_NOT_SUPPORTED
	-2146893044: CodeUnauthorized,        // SEC_E_LOGON_DENIED
	-2146893043: CodeBadName,             // SEC_E_UNKNOWN_CREDENTIALS
	-2146893042: CodeNoCred,              // SEC_E_NO_CREDENTIALS
	-2146893041: CodeBadMIC,              // SEC_E_MESSAGE_ALTERED
	-2146893040: CodeFailure,             // SEC_E_OUT_OF_SEQUENCE
	-2146893033: CodeContextExpired,      // SEC_E_CONTEXT_EXPIRED
	-2146893022: CodeDefectiveCredential, // SEC_E_WRONG_PRINCIPAL
	-2146892986: CodeBadBindings,         // SEC_E_BAD_BINDINGS
}

// FromGSSMajor wraps a GSS-API major status code in a Status.  Unknown
// majors map to CodeFailure.
func FromGSSMajor(major uint32, context string) Status {
	code, ok := gssMajorCodes[major&0x00ff0000]
	if !ok {
		code = CodeFailure
	}

	return Status{
		Code:         code,
		Context:      context,
		NativeCode:   int64(major),
		NativeSource: NativeGSSAPI,
	}
}

// FromSSPI wraps a Windows SSPI SEC_E result code in a Status.  Unknown
// codes map to CodeFailure.
func FromSSPI(secE int64, context string) Status {
	code, ok := sspiCodes[secE]
	if !ok {
		code = CodeFailure
	}

	return Status{
		Code:         code,
		Context:      context,
		NativeCode:   secE,
		NativeSource: NativeSSPI,
	}
}
