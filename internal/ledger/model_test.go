package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUserIDValidation(t *testing.T) {
	if _, err := NewUserID("  "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id, got %v", err)
	}
	if _, err := NewUserID(strings.Repeat("x", 191)); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id for oversize input, got %v", err)
	}
	id, err := NewUserID(" user-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "user-1" {
		t.Fatalf("expected trimmed identifier, got %q", id)
	}
}

func TestNewItemIDValidation(t *testing.T) {
	if _, err := NewItemID(""); !errors.Is(err, ErrInvalidItemID) {
		t.Fatalf("expected invalid item id, got %v", err)
	}
	id, err := NewItemID("item-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "item-a" {
		t.Fatalf("unexpected identifier: %q", id)
	}
}

func TestNewSequenceNoRejectsNegative(t *testing.T) {
	if _, err := NewSequenceNo(-1); !errors.Is(err, ErrInvalidSequenceNo) {
		t.Fatalf("expected invalid sequence number, got %v", err)
	}
	seq, err := NewSequenceNo(7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq.Int64() != 7 {
		t.Fatalf("unexpected value: %d", seq)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Command
		ok    bool
	}{
		{name: "insert", input: "Insert", want: CommandInsert, ok: true},
		{name: "update", input: "Update", want: CommandUpdate, ok: true},
		{name: "delete", input: "Delete", want: CommandDelete, ok: true},
		{name: "rollback", input: "Rollback", want: CommandRollback, ok: true},
		{name: "trimmed", input: " Insert ", want: CommandInsert, ok: true},
		{name: "lowercase", input: "insert", ok: false},
		{name: "unknown", input: "Upsert", ok: false},
		{name: "empty", input: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.input)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != tt.want {
					t.Fatalf("expected %s, got %s", tt.want, got)
				}
				return
			}
			if !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("expected invalid command, got %v", err)
			}
		})
	}
}

func TestCommandCarriesRecord(t *testing.T) {
	if !CommandInsert.CarriesRecord() || !CommandUpdate.CarriesRecord() {
		t.Fatalf("insert and update must carry records")
	}
	if CommandDelete.CarriesRecord() || CommandRollback.CarriesRecord() {
		t.Fatalf("delete and rollback must not carry records")
	}
}
