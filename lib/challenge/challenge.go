// Package challenge implements the bot prevention protocol that gates public
// writes: a Store issues single-use question challenges bound to a client IP
// address, and a Verifier checks and consumes them.
package challenge

import "time"

// KeyPrefix namespaces challenge records in the shared storage backend.
const KeyPrefix = "contribution-request:"

// Request is a persisted challenge, also known as a contribution request.
// Requests are never updated after they are written.
type Request struct {
	ID         string    `json:"id"`         // UUID identifying the challenge, also the secret the client echoes back
	ClientIP   string    `json:"clientIP"`   // Client identity the challenge is bound to
	QuestionID int       `json:"questionID"` // Catalog question that was asked
	CreatedAt  time.Time `json:"createdAt"`  // When the challenge was issued
}

// Token is what the client gets back from Issue. It never contains the answer.
type Token struct {
	ID       string `json:"security_id"`
	Question string `json:"security_question"`
}

// Expired reports whether a challenge created at createdAt is too old to be
// answered at now. The same rule is used inline by the Verifier and in bulk by
// SweepExpired.
func Expired(createdAt, now time.Time, ceiling time.Duration) bool {
	return now.Sub(createdAt) >= ceiling
}
