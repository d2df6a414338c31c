package mailer

import (
	"fmt"
	"net/url"
)

// VerificationEmail builds the email carrying a verification link.
func VerificationEmail(baseURL, email, token string) Message {
	link := fmt.Sprintf("%s/auth/verify-email?token=%s&email=%s",
		baseURL, url.QueryEscape(token), url.QueryEscape(email))
	return Message{
		To:      email,
		Subject: "Verify your email address",
		HTML:    fmt.Sprintf(`<p>Confirm your email address by opening the link below. The link expires in 24 hours.</p><p><a href="%s">Verify email</a></p>`, link),
		Text:    fmt.Sprintf("Confirm your email address: %s\nThe link expires in 24 hours.", link),
	}
}

// PasswordResetEmail builds the email carrying a password reset link.
func PasswordResetEmail(baseURL, email, token string) Message {
	link := fmt.Sprintf("%s/reset-password?token=%s", baseURL, url.QueryEscape(token))
	return Message{
		To:      email,
		Subject: "Reset your password",
		HTML:    fmt.Sprintf(`<p>We received a request to reset your password. The link expires in 1 hour.</p><p><a href="%s">Reset password</a></p><p>If you did not request this, ignore this email.</p>`, link),
		Text:    fmt.Sprintf("Reset your password: %s\nThe link expires in 1 hour. If you did not request this, ignore this email.", link),
	}
}
