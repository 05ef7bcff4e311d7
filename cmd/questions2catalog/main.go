// Command questions2catalog turns a plain text list of questions into a
// gatekeeper question catalog.
//
// Each non-empty line of the input is a question and its answer separated by
// a vertical bar:
//
//	What is the name of this messenger? | Signal
//	# lines starting with a hash are ignored
//	How many legs does a cat have? | 4
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/signalstickers/gatekeeper/lib/catalog"
	"github.com/signalstickers/gatekeeper/lib/challenge"

	"sigs.k8s.io/yaml"
)

var (
	inputFile    = flag.String("input", "", "path to the question list (use - for stdin)")
	outputFile   = flag.String("output", "", "output file path (use - for stdout, defaults to stdout)")
	outputFormat = flag.String("format", "yaml", "output format: yaml or json")
	startID      = flag.Int("start-id", 1, "id of the first question, the following ones are numbered sequentially")
	helpFlag     = flag.Bool("help", false, "show help")
)

var ErrBadLine = errors.New("questions2catalog: line is not in the form 'question | answer'")

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s [options] -input <questions.txt>\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "\nExamples:")
		fmt.Fprintln(os.Stderr, "  # Convert a local question list")
		fmt.Fprintln(os.Stderr, "  questions2catalog -input questions.txt -output questions.yaml")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  # Read from stdin, write JSON to stdout")
		fmt.Fprintln(os.Stderr, "  cat questions.txt | questions2catalog -input - -format json")
		os.Exit(2)
	}
}

func main() {
	flag.Parse()

	if len(flag.Args()) > 0 || *helpFlag || *inputFile == "" {
		flag.Usage()
	}

	var input io.Reader
	if *inputFile == "-" {
		input = os.Stdin
	} else {
		file, err := os.Open(*inputFile)
		if err != nil {
			log.Fatalf("failed to open input file: %v", err)
		}
		defer file.Close()
		input = file
	}

	questions, err := parseQuestions(input, *startID)
	if err != nil {
		log.Fatalf("failed to parse question list: %v", err)
	}

	if len(questions) == 0 {
		log.Fatal("no questions found in the input")
	}

	output, err := render(questions, *outputFormat)
	if err != nil {
		log.Fatal(err)
	}

	if *outputFile == "" || *outputFile == "-" {
		fmt.Print(string(output))
		return
	}

	if err := os.WriteFile(*outputFile, output, 0644); err != nil {
		log.Fatalf("failed to write output file: %v", err)
	}
	fmt.Printf("Generated question catalog written to %s\n", *outputFile)
}

// parseQuestions reads the question list and validates the result as a
// catalog. Answers are stored in the form the verifier compares them in.
func parseQuestions(input io.Reader, firstID int) ([]catalog.Question, error) {
	scanner := bufio.NewScanner(input)
	var result []catalog.Question
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.LastIndex(line, "|")
		if idx == -1 {
			return nil, fmt.Errorf("%w: line %d", ErrBadLine, lineNo)
		}

		result = append(result, catalog.Question{
			ID:       firstID + len(result),
			Question: strings.TrimSpace(line[:idx]),
			Answer:   challenge.Normalize(line[idx+1:]),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if _, err := catalog.New(result...); err != nil {
		return nil, err
	}

	return result, nil
}

func render(questions []catalog.Question, format string) ([]byte, error) {
	file := catalog.File{Questions: questions}

	switch strings.ToLower(format) {
	case "yaml":
		return yaml.Marshal(file)
	case "json":
		return json.MarshalIndent(file, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported output format: %s (use yaml or json)", format)
	}
}
