package chat

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// ErrTemplateUnavailable indicates the named prompt template could not be
// loaded. Surfaced by the orchestrator as a pipeline construction failure.
var ErrTemplateUnavailable = errors.New("prompt template unavailable")

// Prompt is the composed generation input. Opaque to the streamer.
type Prompt struct {
	Text string
}

// Composer merges retrieved context fragments and the user's question into
// a prompt using a named template file. The template exposes two slots,
// {{.Context}} and {{.Question}}.
type Composer struct {
	path string
}

// promptInput is the data bound into the template slots.
type promptInput struct {
	Context  string
	Question string
}

// NewComposer returns a composer reading the template at path.
func NewComposer(path string) *Composer {
	return &Composer{path: path}
}

// Compose renders the template with the fragments (newline-joined, order
// preserved) and the question. The template file is read on every call so
// edits take effect without a restart; a missing or unparsable template
// yields ErrTemplateUnavailable.
func (c *Composer) Compose(fragments []string, question string) (*Prompt, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrTemplateUnavailable, c.path, err)
	}

	name := strings.TrimSuffix(filepath.Base(c.path), filepath.Ext(c.path))
	tmpl, err := template.New(name).Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrTemplateUnavailable, c.path, err)
	}

	var buf bytes.Buffer
	input := promptInput{
		Context:  strings.Join(fragments, "\n"),
		Question: question,
	}
	if err := tmpl.Execute(&buf, input); err != nil {
		return nil, fmt.Errorf("rendering prompt template %s: %w", c.path, err)
	}

	return &Prompt{Text: buf.String()}, nil
}
