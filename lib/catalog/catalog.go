// Package catalog holds the administrator-curated list of bot prevention
// questions and their canonical answers.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"unicode/utf8"

	"github.com/signalstickers/gatekeeper/data"
	"sigs.k8s.io/yaml"
)

// MaxFieldLength is the longest question or answer, in characters.
const MaxFieldLength = 128

var (
	ErrBadID           = errors.New("catalog.Question: id must be positive")
	ErrDuplicateID     = errors.New("catalog: duplicate question id")
	ErrNoQuestion      = errors.New("catalog.Question: question text is empty")
	ErrQuestionTooLong = fmt.Errorf("catalog.Question: question is longer than %d characters", MaxFieldLength)
	ErrNoAnswer        = errors.New("catalog.Question: answer is empty")
	ErrAnswerTooLong   = fmt.Errorf("catalog.Question: answer is longer than %d characters", MaxFieldLength)
	ErrAnswerFormat    = errors.New("catalog.Question: answer must only contain ASCII letters and digits")
	ErrCantRead        = errors.New("catalog: can't read catalog file")
	ErrCantParse       = errors.New("catalog: can't parse catalog file")

	answerRegex = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// Question is one bot prevention question. Answer is never sent to clients.
type Question struct {
	ID       int    `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (q Question) Valid() error {
	var errs []error

	if q.ID <= 0 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrBadID, q.ID))
	}

	switch n := utf8.RuneCountInString(q.Question); {
	case n == 0:
		errs = append(errs, ErrNoQuestion)
	case n > MaxFieldLength:
		errs = append(errs, ErrQuestionTooLong)
	}

	switch n := utf8.RuneCountInString(q.Answer); {
	case n == 0:
		errs = append(errs, ErrNoAnswer)
	case n > MaxFieldLength:
		errs = append(errs, ErrAnswerTooLong)
	case !answerRegex.MatchString(q.Answer):
		errs = append(errs, fmt.Errorf("%w: %q", ErrAnswerFormat, q.Answer))
	}

	if len(errs) != 0 {
		return fmt.Errorf("question %d: %w", q.ID, errors.Join(errs...))
	}

	return nil
}

// File is the on-disk layout of a catalog.
type File struct {
	Questions []Question `json:"questions"`
}

// Catalog is an immutable set of questions. It is safe for concurrent use.
type Catalog struct {
	questions []Question
	byID      map[int]int
}

// New validates questions and builds a Catalog from them. An empty catalog is
// valid.
func New(questions ...Question) (*Catalog, error) {
	result := &Catalog{
		questions: slices.Clone(questions),
		byID:      make(map[int]int, len(questions)),
	}

	var errs []error
	for i, q := range result.questions {
		if err := q.Valid(); err != nil {
			errs = append(errs, err)
		}

		if _, ok := result.byID[q.ID]; ok {
			errs = append(errs, fmt.Errorf("%w: %d", ErrDuplicateID, q.ID))
			continue
		}
		result.byID[q.ID] = i
	}

	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}

	return result, nil
}

// Load parses a YAML or JSON catalog. fname is only used in error messages.
func Load(r io.Reader, fname string) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCantRead, fname, err)
	}

	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCantParse, fname, err)
	}

	result, err := New(f.Questions...)
	if err != nil {
		return nil, fmt.Errorf("catalog %s is invalid: %w", fname, err)
	}

	return result, nil
}

// LoadFileOrDefault loads the catalog at fname, or the built-in catalog when
// fname is empty.
func LoadFileOrDefault(fname string) (*Catalog, error) {
	if fname == "" {
		return Load(bytes.NewReader(data.DefaultQuestions), "(built-in)/questions.yaml")
	}

	fin, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCantRead, fname, err)
	}
	defer fin.Close()

	return Load(fin, fname)
}

// Len returns the number of questions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.questions)
}

// At returns the i-th question in catalog order.
func (c *Catalog) At(i int) Question {
	return c.questions[i]
}

// Questions returns a copy of every question in catalog order.
func (c *Catalog) Questions() []Question {
	if c == nil {
		return nil
	}
	return slices.Clone(c.questions)
}

// Question looks a question up by its ID.
func (c *Catalog) Question(id int) (Question, bool) {
	if c == nil {
		return Question{}, false
	}

	i, ok := c.byID[id]
	if !ok {
		return Question{}, false
	}

	return c.questions[i], true
}
