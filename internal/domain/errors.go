package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrNotSupported     = fmt.Errorf("not supported")
	ErrBackendError     = fmt.Errorf("backend error")
)

// Sentinel errors for the orchestration core.
var (
	// Submission / scheduling.
	ErrDependencyCycle = fmt.Errorf("task dependency cycle")
	ErrRoutingFailed   = fmt.Errorf("no agent found for task")
	ErrTaskFailed      = fmt.Errorf("task failed")
	ErrMaxIterations   = fmt.Errorf("agent reached max iterations")

	// Router / admission.
	ErrAdmissionRejected  = fmt.Errorf("model at capacity, admission rejected")
	ErrModelNotFound      = fmt.Errorf("model key not mapped")
	ErrBackendUnavailable = fmt.Errorf("backend unavailable")

	// Escalation.
	ErrEscalationNotFound = fmt.Errorf("escalation not found")
	ErrAlreadyResolved    = fmt.Errorf("escalation already resolved")
	ErrTargetUnavailable  = fmt.Errorf("escalation target unavailable")

	// Resilience.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")

	// Tools.
	ErrToolNotFound = fmt.Errorf("tool not found")
	ErrToolFailure  = fmt.Errorf("tool execution failed")

	// Config.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")

	// Persistence.
	ErrStorage = fmt.Errorf("storage operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Router.CallLLM")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "mission", "fleet"); used for ErrorCode dispatch
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
// Use this with category sentinels (ErrNotFound, ErrDuplicate, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
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

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Admission rejection and rate limiting clear once in-flight work drains; backend
// outages and timeouts degrade the call instead.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrAdmissionRejected) || errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeDependencyCycle    ErrorCode = "DEPENDENCY_CYCLE"
	CodeRoutingFailed      ErrorCode = "ROUTING_FAILED"
	CodeTaskFailed         ErrorCode = "TASK_FAILED"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeAdmissionRejected  ErrorCode = "ADMISSION_REJECTED"
	CodeModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeEscalationNotFound ErrorCode = "ESCALATION_NOT_FOUND"
	CodeAlreadyResolved    ErrorCode = "ESCALATION_ALREADY_RESOLVED"
	CodeTargetUnavailable  ErrorCode = "ESCALATION_TARGET_UNAVAILABLE"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeStorage            ErrorCode = "STORAGE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate    ErrorCode = "AGENT_DUPLICATE"
	CodeBackendNotFound   ErrorCode = "BACKEND_NOT_FOUND"
	CodeBackendDuplicate  ErrorCode = "BACKEND_DUPLICATE"
	CodeMissionNotFound   ErrorCode = "MISSION_NOT_FOUND"
	CodeTaskNotFound      ErrorCode = "BACKGROUND_TASK_NOT_FOUND"
	CodePlaybookNotFound  ErrorCode = "PLAYBOOK_NOT_FOUND"
	CodeChannelNotFound   ErrorCode = "CHANNEL_NOT_FOUND"
	CodeChannelDuplicate  ErrorCode = "CHANNEL_DUPLICATE"
	CodeChannelForbidden  ErrorCode = "CHANNEL_FORBIDDEN"
	CodeSupervisorMaxJobs ErrorCode = "SUPERVISOR_MAX_TASKS"
	CodePlanInvalid       ErrorCode = "PLAN_INVALID"
	CodeBackendTimeout    ErrorCode = "BACKEND_TIMEOUT"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeNotSupported     ErrorCode = "NOT_SUPPORTED"
	CodeBackendError     ErrorCode = "BACKEND_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrNotSupported:     CodeNotSupported,
	ErrBackendError:     CodeBackendError,

	// Active sentinels.
	ErrDependencyCycle:    CodeDependencyCycle,
	ErrRoutingFailed:      CodeRoutingFailed,
	ErrTaskFailed:         CodeTaskFailed,
	ErrMaxIterations:      CodeMaxIterations,
	ErrAdmissionRejected:  CodeAdmissionRejected,
	ErrModelNotFound:      CodeModelNotFound,
	ErrBackendUnavailable: CodeBackendUnavailable,
	ErrEscalationNotFound: CodeEscalationNotFound,
	ErrAlreadyResolved:    CodeAlreadyResolved,
	ErrTargetUnavailable:  CodeTargetUnavailable,
	ErrContextOverflow:    CodeContextOverflow,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrToolNotFound:       CodeToolNotFound,
	ErrToolFailure:        CodeToolFailure,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrEncryption:         CodeEncryption,
	ErrStorage:            CodeStorage,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":      CodeAgentNotFound,
		"backend":    CodeBackendNotFound,
		"mission":    CodeMissionNotFound,
		"supervisor": CodeTaskNotFound,
		"playbook":   CodePlaybookNotFound,
		"channel":    CodeChannelNotFound,
		"model":      CodeModelNotFound,
	},
	ErrDuplicate: {
		"agent":   CodeAgentDuplicate,
		"backend": CodeBackendDuplicate,
		"channel": CodeChannelDuplicate,
	},
	ErrLimitReached: {
		"supervisor": CodeSupervisorMaxJobs,
	},
	ErrPermissionDenied: {
		"channel": CodeChannelForbidden,
	},
	ErrInvalidInput: {
		"plan": CodePlanInvalid,
	},
	ErrTimeout: {
		"backend": CodeBackendTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
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
