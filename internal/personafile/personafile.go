// Package personafile reads and writes persona collections as YAML and
// installs the built-in personas into an empty store.
//
// The file format is a single top-level "npcs" list:
//
//	npcs:
//	  - id: thorin
//	    name: Thorin
//	    avatar: "⚔️"
//	    description: Courageous warrior
//	    prompt: You are Thorin, a brave and proud warrior.
//
// JSON documents with the same shape decode as well, including exports of the
// older npcs.json format with its camelCase lastMessage, lastMessageTime and
// unread keys.
package personafile

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

//go:embed defaults.yaml
var defaultsYAML string

// File is the on-disk persona collection.
type File struct {
	Personas []chatstore.Persona `yaml:"npcs" json:"npcs"`
}

// Defaults returns the built-in personas.
func Defaults() (*File, error) {
	f, err := Decode(strings.NewReader(defaultsYAML))
	if err != nil {
		return nil, fmt.Errorf("personafile: built-in defaults: %w", err)
	}
	return f, nil
}

// LoadFile reads a persona file from disk.
func LoadFile(path string) (*File, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("personafile: open %q: %w", path, err)
	}
	defer r.Close()

	f, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("personafile: parse %q: %w", path, err)
	}
	return f, nil
}

// entry is one decoded persona. It accepts the legacy npcs.json keys next to
// the current ones; lastMessageTime is read and dropped.
type entry struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Avatar      string           `yaml:"avatar"`
	Description string           `yaml:"description"`
	Status      chatstore.Status `yaml:"status"`
	Prompt      string           `yaml:"prompt"`
	LastMessage string           `yaml:"last_message"`
	UnreadCount int              `yaml:"unread_count"`

	LegacyLastMessage     string `yaml:"lastMessage"`
	LegacyLastMessageTime any    `yaml:"lastMessageTime"`
	LegacyUnread          int    `yaml:"unread"`
}

func (e entry) persona() chatstore.Persona {
	p := chatstore.Persona{
		ID:          e.ID,
		Name:        e.Name,
		Avatar:      e.Avatar,
		Description: e.Description,
		Status:      e.Status,
		Prompt:      e.Prompt,
		LastMessage: e.LastMessage,
		UnreadCount: e.UnreadCount,
	}
	if p.LastMessage == "" {
		p.LastMessage = e.LegacyLastMessage
	}
	if p.UnreadCount == 0 {
		p.UnreadCount = e.LegacyUnread
	}
	return p
}

// Decode parses a persona file. Unknown keys are rejected to catch typos.
func Decode(r io.Reader) (*File, error) {
	var raw struct {
		Personas []entry `yaml:"npcs"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("personafile: decode yaml: %w", err)
	}
	f := &File{}
	for _, e := range raw.Personas {
		f.Personas = append(f.Personas, e.persona())
	}
	return f, nil
}

// Encode writes personas as a persona file.
func Encode(w io.Writer, personas []chatstore.Persona) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(File{Personas: personas}); err != nil {
		return fmt.Errorf("personafile: encode yaml: %w", err)
	}
	return enc.Close()
}

// Export writes every stored persona to w and returns how many were written.
func Export(ctx context.Context, store chatstore.PersonaStore, w io.Writer) (int, error) {
	personas, err := store.ListPersonas(ctx)
	if err != nil {
		return 0, fmt.Errorf("personafile: list personas: %w", err)
	}
	if personas == nil {
		personas = []chatstore.Persona{}
	}
	if err := Encode(w, personas); err != nil {
		return 0, err
	}
	return len(personas), nil
}

// Result summarises an [Import].
type Result struct {
	Imported int
	Skipped  int

	// Invalid holds one error per persona rejected by validation.
	Invalid []error
}

// Import creates every persona of f that does not exist yet. Existing ids
// are skipped and left untouched; invalid entries are collected in
// Result.Invalid. A storage failure aborts the import and is returned with
// the partial result.
//
// A non-empty last_message in the file seeds the persona's preview cache.
func Import(ctx context.Context, store chatstore.PersonaStore, f *File) (Result, error) {
	var res Result
	if f == nil {
		return res, nil
	}
	for i := range f.Personas {
		p := f.Personas[i]
		if err := p.Validate(); err != nil {
			res.Invalid = append(res.Invalid, fmt.Errorf("npcs[%d] (%s): %w", i, p.ID, err))
			continue
		}
		preview := p.LastMessage

		err := store.CreatePersona(ctx, &p)
		switch {
		case errors.Is(err, chatstore.ErrAlreadyExists):
			res.Skipped++
			continue
		case errors.Is(err, chatstore.ErrInvalid):
			res.Invalid = append(res.Invalid, fmt.Errorf("npcs[%d] (%s): %w", i, p.ID, err))
			continue
		case err != nil:
			return res, fmt.Errorf("personafile: create %q: %w", p.ID, err)
		}
		res.Imported++

		if preview != "" {
			if err := store.TouchLastMessage(ctx, p.ID, preview, time.Now()); err != nil {
				return res, fmt.Errorf("personafile: seed preview of %q: %w", p.ID, err)
			}
		}
	}
	return res, nil
}

// SeedIfEmpty installs the built-in personas when the store has none and
// returns how many were created.
func SeedIfEmpty(ctx context.Context, store chatstore.PersonaStore) (int, error) {
	existing, err := store.ListPersonas(ctx)
	if err != nil {
		return 0, fmt.Errorf("personafile: list personas: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}
	defaults, err := Defaults()
	if err != nil {
		return 0, err
	}
	res, err := Import(ctx, store, defaults)
	return res.Imported, err
}
