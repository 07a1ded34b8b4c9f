// Package questions loads the interview catalogue.
package questions

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chadiek/interview-voice/internal/interview"
)

var ErrUnknownInterview = errors.New("questions: unknown interview")

type Interview struct {
	ID        string               `yaml:"id"`
	Title     string               `yaml:"title"`
	Questions []interview.Question `yaml:"questions"`
}

type catalogue struct {
	Interviews []Interview `yaml:"interviews"`
}

// Bank is a read-only set of interviews keyed by id.
type Bank struct {
	order []string
	byID  map[string]Interview
	def   string
}

// Load reads a YAML catalogue from disk.
func Load(path, defaultID string) (*Bank, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("questions: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, defaultID)
}

func Parse(r io.Reader, defaultID string) (*Bank, error) {
	var c catalogue
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("questions: decode: %w", err)
	}
	return New(c.Interviews, defaultID)
}

// New validates the interviews and sorts each question list by order.
func New(interviews []Interview, defaultID string) (*Bank, error) {
	if len(interviews) == 0 {
		return nil, errors.New("questions: catalogue has no interviews")
	}
	b := &Bank{byID: make(map[string]Interview, len(interviews))}
	for _, iv := range interviews {
		iv.ID = strings.TrimSpace(iv.ID)
		if iv.ID == "" {
			return nil, errors.New("questions: interview without id")
		}
		if _, dup := b.byID[iv.ID]; dup {
			return nil, fmt.Errorf("questions: duplicate interview %q", iv.ID)
		}
		if len(iv.Questions) == 0 {
			return nil, fmt.Errorf("questions: interview %q has no questions", iv.ID)
		}
		seen := make(map[string]bool, len(iv.Questions))
		qs := append([]interview.Question(nil), iv.Questions...)
		for i, q := range qs {
			if q.ID == "" || strings.TrimSpace(q.Text) == "" {
				return nil, fmt.Errorf("questions: interview %q question %d needs id and text", iv.ID, i)
			}
			if seen[q.ID] {
				return nil, fmt.Errorf("questions: interview %q repeats question %q", iv.ID, q.ID)
			}
			seen[q.ID] = true
		}
		sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
		iv.Questions = qs
		b.byID[iv.ID] = iv
		b.order = append(b.order, iv.ID)
	}
	b.def = b.order[0]
	if defaultID != "" {
		if _, ok := b.byID[defaultID]; !ok {
			return nil, fmt.Errorf("questions: default interview %q: %w", defaultID, ErrUnknownInterview)
		}
		b.def = defaultID
	}
	return b, nil
}

// Get returns the interview with the given id, or the default one when id
// is empty.
func (b *Bank) Get(id string) (Interview, error) {
	if id == "" {
		id = b.def
	}
	iv, ok := b.byID[id]
	if !ok {
		return Interview{}, fmt.Errorf("%w: %q", ErrUnknownInterview, id)
	}
	iv.Questions = append([]interview.Question(nil), iv.Questions...)
	return iv, nil
}

func (b *Bank) DefaultID() string { return b.def }
