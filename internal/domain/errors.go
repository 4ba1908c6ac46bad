package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve
// a subsystem-specific code.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnreachable      = fmt.Errorf("unreachable")
	ErrExhausted        = fmt.Errorf("exhausted")
)

// Sentinel errors for the control plane.
var (
	ErrRoleCardNotFound       = fmt.Errorf("role card not found")
	ErrSpawnNotFound          = fmt.Errorf("spawn not found")
	ErrCapabilityNotFound     = fmt.Errorf("capability not found")
	ErrAgentNotFound          = fmt.Errorf("agent not found")
	ErrGateDenied             = fmt.Errorf("gate denied: %w", ErrPermissionDenied)
	ErrIllegalTransition      = fmt.Errorf("illegal lifecycle transition")
	ErrAgentUnreachable       = fmt.Errorf("agent: %w", ErrUnreachable)
	ErrDelegationFailed       = fmt.Errorf("delegation failed")
	ErrCoordinatorUnavailable = fmt.Errorf("coordinator: %w", ErrUnreachable)
	ErrRoleCardInvalid        = fmt.Errorf("role card invalid")
	ErrConfigLoad             = fmt.Errorf("failed to load configuration")
	ErrDecryption             = fmt.Errorf("decryption failed")
	ErrRPCMethodNotFound      = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload      = fmt.Errorf("rpc payload invalid")
	ErrRateLimit              = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Register")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "spawn", "routing")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and API responses.
type ErrorCode string

const (
	CodeUnknown                ErrorCode = "UNKNOWN"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeDuplicate              ErrorCode = "DUPLICATE"
	CodeTimeout                ErrorCode = "TIMEOUT"
	CodePermissionDenied       ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput           ErrorCode = "INVALID_INPUT"
	CodeUnreachable            ErrorCode = "UNREACHABLE"
	CodeExhausted              ErrorCode = "EXHAUSTED"
	CodeRoleCardNotFound       ErrorCode = "ROLE_CARD_NOT_FOUND"
	CodeRoleCardInvalid        ErrorCode = "ROLE_CARD_INVALID"
	CodeSpawnNotFound          ErrorCode = "SPAWN_NOT_FOUND"
	CodeCapabilityNotFound     ErrorCode = "CAPABILITY_NOT_FOUND"
	CodeAgentNotFound          ErrorCode = "AGENT_NOT_FOUND"
	CodeGateDenied             ErrorCode = "GATE_DENIED"
	CodeIllegalTransition      ErrorCode = "ILLEGAL_TRANSITION"
	CodeAgentUnreachable       ErrorCode = "AGENT_UNREACHABLE"
	CodeDelegationFailed       ErrorCode = "DELEGATION_FAILED"
	CodeCoordinatorUnavailable ErrorCode = "COORDINATOR_UNAVAILABLE"
	CodeConfigLoad             ErrorCode = "CONFIG_LOAD"
	CodeDecryption             ErrorCode = "DECRYPTION"
	CodeRPCMethodNotFound      ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload      ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit              ErrorCode = "RATE_LIMIT"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeGateChainOfCommand ErrorCode = "GATE_CHAIN_OF_COMMAND"
	CodeGateBudget         ErrorCode = "GATE_BUDGET"
	CodeGateSecurity       ErrorCode = "GATE_SECURITY"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnreachable:      CodeUnreachable,
	ErrExhausted:        CodeExhausted,

	ErrRoleCardNotFound:       CodeRoleCardNotFound,
	ErrRoleCardInvalid:        CodeRoleCardInvalid,
	ErrSpawnNotFound:          CodeSpawnNotFound,
	ErrCapabilityNotFound:     CodeCapabilityNotFound,
	ErrAgentNotFound:          CodeAgentNotFound,
	ErrGateDenied:             CodeGateDenied,
	ErrIllegalTransition:      CodeIllegalTransition,
	ErrAgentUnreachable:       CodeAgentUnreachable,
	ErrDelegationFailed:       CodeDelegationFailed,
	ErrCoordinatorUnavailable: CodeCoordinatorUnavailable,
	ErrConfigLoad:             CodeConfigLoad,
	ErrDecryption:             CodeDecryption,
	ErrRPCMethodNotFound:      CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:      CodeRPCInvalidPayload,
	ErrRateLimit:              CodeRateLimit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"rolecard": CodeRoleCardNotFound,
		"spawn":    CodeSpawnNotFound,
		"registry": CodeAgentNotFound,
	},
	ErrPermissionDenied: {
		"gate.chain_of_command": CodeGateChainOfCommand,
		"gate.luc_budget":       CodeGateBudget,
		"gate.security":         CodeGateSecurity,
	},
	ErrUnreachable: {
		"registry":    CodeAgentUnreachable,
		"coordinator": CodeCoordinatorUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so wrapped category sentinels do not shadow them.
	for _, sentinel := range []error{
		ErrGateDenied, ErrAgentUnreachable, ErrCoordinatorUnavailable,
		ErrRoleCardNotFound, ErrSpawnNotFound, ErrAgentNotFound,
	} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
