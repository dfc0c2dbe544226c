package errdefs

import "errors"

// Sentinel errors shared by the managers, the orchestrator and the API layer.
// Callers wrap them with fmt.Errorf("...: %w", Err...) and match with errors.Is.
var (
	ErrSpawn          = errors.New("spawn failed")
	ErrTokenFetch     = errors.New("token fetch failed")
	ErrPortInUse      = errors.New("port in use")
	ErrAlreadyRunning = errors.New("already running")
	ErrValidation     = errors.New("validation failed")
	ErrProcessCrashed = errors.New("process crashed")
)

// Wire codes reported to API clients.
const (
	CodeSpawn          = "SpawnError"
	CodeTokenFetch     = "TokenFetchError"
	CodePortInUse      = "PortInUse"
	CodeAlreadyRunning = "AlreadyRunning"
	CodeValidation     = "ValidationError"
	CodeProcessCrashed = "ProcessCrashed"
	CodeInternal       = "Internal"
)

// Code maps err to its wire code. Unknown errors map to CodeInternal.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, ErrTokenFetch):
		return CodeTokenFetch
	case errors.Is(err, ErrSpawn):
		return CodeSpawn
	case errors.Is(err, ErrPortInUse):
		return CodePortInUse
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrProcessCrashed):
		return CodeProcessCrashed
	default:
		return CodeInternal
	}
}

// FromCode is the inverse of Code, used by clients to rebuild a matchable error.
func FromCode(code string) error {
	switch code {
	case CodeAlreadyRunning:
		return ErrAlreadyRunning
	case CodeTokenFetch:
		return ErrTokenFetch
	case CodeSpawn:
		return ErrSpawn
	case CodePortInUse:
		return ErrPortInUse
	case CodeValidation:
		return ErrValidation
	case CodeProcessCrashed:
		return ErrProcessCrashed
	default:
		return nil
	}
}
