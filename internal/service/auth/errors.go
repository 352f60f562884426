package auth

// Kind classifies an auth failure for transport mapping.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindAuth
	KindNotFound
	KindUpstream
)

// String returns the taxonomy name of k.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindConflict:
		return "ConflictError"
	case KindAuth:
		return "AuthError"
	case KindNotFound:
		return "NotFoundError"
	case KindUpstream:
		return "UpstreamError"
	default:
		return "UnknownError"
	}
}

// Error is a user-facing auth failure. Message is safe to return to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return "auth: " + e.Code + ": " + e.cause.Error()
	}
	return "auth: " + e.Code + ": " + e.Message
}

// Is matches any *Error with the same code, so errors carrying a custom message
// still compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

var (
	ErrMissingField         = &Error{Kind: KindValidation, Code: "MissingField", Message: "All fields are required"}
	ErrWeakSecret           = &Error{Kind: KindValidation, Code: "WeakSecret", Message: "Password must be at least 6 characters"}
	ErrEmailTaken           = &Error{Kind: KindConflict, Code: "EmailTaken", Message: "Email already exists!"}
	ErrHandleTaken          = &Error{Kind: KindConflict, Code: "HandleTaken", Message: "Handle already exists!"}
	ErrNotFound             = &Error{Kind: KindNotFound, Code: "NotFound", Message: "User not found"}
	ErrBadCredential        = &Error{Kind: KindAuth, Code: "BadCredential", Message: "Incorrect password!"}
	ErrInvalidOrExpiredCode = &Error{Kind: KindAuth, Code: "InvalidOrExpiredCode", Message: "Invalid or expired OTP"}
	ErrTooManyAttempts      = &Error{Kind: KindAuth, Code: "TooManyAttempts", Message: "Too many attempts, request a new OTP"}
	ErrChallengeNotVerified = &Error{Kind: KindAuth, Code: "ChallengeNotVerified", Message: "OTP verification required"}
	ErrUnauthorized         = &Error{Kind: KindAuth, Code: "Unauthorized", Message: "authentication required"}
	ErrSessionInvalid       = &Error{Kind: KindAuth, Code: "SessionInvalid", Message: "invalid session"}
	ErrSessionExpired       = &Error{Kind: KindAuth, Code: "SessionExpired", Message: "session expired"}
	ErrUpstream             = &Error{Kind: KindUpstream, Code: "Upstream", Message: "Service temporarily unavailable"}
)

func missing(message string) *Error {
	return &Error{Kind: KindValidation, Code: ErrMissingField.Code, Message: message}
}
