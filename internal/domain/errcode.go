package domain

// Redirect-signal error codes surfaced to auth pages via the ?error= query
// parameter. The reconciler and callback pipeline emit these; pages map them
// to user-facing copy through ErrorMessage.
const (
	ErrCodeConfiguration        = "Configuration"
	ErrCodeAccessDenied         = "AccessDenied"
	ErrCodeVerification         = "Verification"
	ErrCodeOAuthSignin          = "OAuthSignin"
	ErrCodeOAuthCallback        = "OAuthCallback"
	ErrCodeOAuthCreateAccount   = "OAuthCreateAccount"
	ErrCodeEmailCreateAccount   = "EmailCreateAccount"
	ErrCodeCallback             = "Callback"
	ErrCodeOAuthAccountNotLinked = "OAuthAccountNotLinked"
	ErrCodeEmailSignin          = "EmailSignin"
	ErrCodeCredentialsSignin    = "CredentialsSignin"
	ErrCodeSessionRequired      = "SessionRequired"
	ErrCodeDatabaseError        = "DatabaseError"
	ErrCodeDefault              = "Default"
)

// RedirectDatabaseSetup routes users to the setup/maintenance page when the
// backing store is unreachable or missing its schema.
const RedirectDatabaseSetup = "database-setup"

// RedirectGenericError is the catch-all sign-in failure signal.
const RedirectGenericError = "generic-error"

var errorMessages = map[string]string{
	ErrCodeConfiguration:         "There is a problem with the server configuration.",
	ErrCodeAccessDenied:          "Access denied. You do not have permission to sign in.",
	ErrCodeVerification:          "The sign in link is no longer valid. It may have been used already or it may have expired.",
	ErrCodeOAuthSignin:           "Error constructing an authorization URL. Try again.",
	ErrCodeOAuthCallback:         "Error handling the response from the sign-in provider.",
	ErrCodeOAuthCreateAccount:    "Could not create an account with this provider. Try a different sign-in method.",
	ErrCodeEmailCreateAccount:    "Could not create an account with this email. Try a different sign-in method.",
	ErrCodeCallback:              "Something went wrong during sign in. Try again.",
	ErrCodeOAuthAccountNotLinked: "This email is already associated with another sign-in method. Sign in with the provider you used originally.",
	ErrCodeEmailSignin:           "The sign in email could not be sent. Try again.",
	ErrCodeCredentialsSignin:     "Sign in failed. Check the details you provided are correct.",
	ErrCodeSessionRequired:       "Please sign in to access this page.",
	ErrCodeDatabaseError:         "A database error occurred. Please try again later.",
	ErrCodeDefault:               "Unable to sign in.",
}

// ErrorMessage resolves a redirect-signal code to its user-facing message.
// Unknown codes fall back to the Default message.
func ErrorMessage(code string) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[ErrCodeDefault]
}
