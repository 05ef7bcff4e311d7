package data

import _ "embed"

var (
	// DefaultQuestions is the question catalog used when no catalog file is
	// configured.
	//
	//go:embed questions.yaml
	DefaultQuestions []byte
)
