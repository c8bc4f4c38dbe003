package chatstore

import (
	"errors"
	"testing"
)

func TestPersonaValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Persona
		wantErr bool
	}{
		{"valid", Persona{ID: "merlin", Name: "Merlin"}, false},
		{"valid with status", Persona{ID: "merlin", Name: "Merlin", Status: StatusOffline}, false},
		{"missing id", Persona{Name: "Merlin"}, true},
		{"missing name", Persona{ID: "merlin"}, true},
		{"bad status", Persona{ID: "merlin", Name: "Merlin", Status: "away"}, true},
		{"reserved id", Persona{ID: "npc", Name: "Npc"}, true},
		{"reserved stats", Persona{ID: "stats", Name: "Stats"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestPersonaPatch(t *testing.T) {
	name := "Elara the Wise"
	offline := StatusOffline
	patch := PersonaPatch{Name: &name, Status: &offline}

	if patch.IsEmpty() {
		t.Fatal("IsEmpty() = true for non-empty patch")
	}
	if err := patch.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	p := Persona{ID: "elara", Name: "Elara", Prompt: "keep me", Status: StatusOnline}
	patch.Apply(&p)
	if p.Name != name || p.Status != StatusOffline || p.Prompt != "keep me" {
		t.Errorf("Apply() = %+v", p)
	}

	empty := ""
	if err := (PersonaPatch{Name: &empty}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty name: Validate() = %v, want ErrInvalid", err)
	}
	if !(PersonaPatch{}).IsEmpty() {
		t.Error("IsEmpty() = false for zero patch")
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in   string
		want Window
		ok   bool
	}{
		{"", WindowRecent, true},
		{"recent", WindowRecent, true},
		{"earliest", WindowEarliest, true},
		{"middle", WindowRecent, false},
	}
	for _, tt := range tests {
		got, ok := ParseWindow(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseWindow(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSummarizePersonas(t *testing.T) {
	got := SummarizePersonas([]Persona{
		{Status: StatusOnline, UnreadCount: 2},
		{Status: StatusOffline, UnreadCount: 1},
		{Status: StatusOnline},
	})
	want := PersonaCounts{Total: 3, Online: 2, Offline: 1, TotalUnread: 3}
	if got != want {
		t.Errorf("SummarizePersonas() = %+v, want %+v", got, want)
	}
}
