package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoExtractor is returned when PDF extraction is disabled.
var ErrNoExtractor = errors.New("pdf extraction disabled")

// PDFExtractor turns PDF bytes into text.
type PDFExtractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// NoopExtractor rejects every PDF.
type NoopExtractor struct{}

// Extract implements PDFExtractor.
func (NoopExtractor) Extract(context.Context, []byte) (string, error) {
	return "", ErrNoExtractor
}

// CommandExtractor pipes the PDF through an external command, e.g. "pdftotext -layout - -",
// and reads the text from its stdout.
type CommandExtractor struct {
	name string
	args []string
}

// NewCommandExtractor parses command into a program and its arguments.
// An empty command yields a NoopExtractor.
func NewCommandExtractor(command string) PDFExtractor {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return NoopExtractor{}
	}
	return &CommandExtractor{name: fields[0], args: fields[1:]}
}

// Extract implements PDFExtractor.
func (c *CommandExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	// #nosec G204 -- the command comes from operator configuration.
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("run %s: %w: %s", c.name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
