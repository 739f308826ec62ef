package callbackapi

// ValidationError rejects a malformed or underspecified callback before any
// state is mutated. Maps to HTTP 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// AuthError rejects a callback with a missing or wrong passphrase. Maps to
// HTTP 401.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return e.Msg
}
