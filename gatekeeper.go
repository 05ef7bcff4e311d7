// Package gatekeeper holds the shared constants of the gatekeeper service,
// which guards the sticker-pack catalog's public write endpoints with single-use
// security questions.
package gatekeeper

import "time"

// Version is the current version of gatekeeper.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// APIPrefix is the path prefix of the catalog API.
const APIPrefix = "/api/v2/"

// SecurityQuestionPath is where clients ask for a new challenge.
const SecurityQuestionPath = APIPrefix + "security-question/"

// DefaultChallengeCeiling is the age at which an unanswered challenge expires.
// Both the inline expiry check and the sweep use it.
const DefaultChallengeCeiling = time.Hour

// DefaultSweepInterval is how often expired challenges are swept.
const DefaultSweepInterval = 5 * time.Minute

// MaxAnswerLength is the longest accepted answer, after trimming.
const MaxAnswerLength = 200
