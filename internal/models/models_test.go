package models_test

import (
	"errors"
	"testing"

	"github.com/tphummel/lab_power/internal/models"
)

func TestValidName(t *testing.T) {
	valid := []string{"pve1", "nas-01", "rack_a", "A", "0server"}
	for _, n := range valid {
		if !models.ValidName(n) {
			t.Errorf("ValidName(%q): got false, want true", n)
		}
	}

	invalid := []string{"", "-leading", "_leading", "has space", "dot.name", "slash/name",
		"x123456789012345678901234567890123456789012345678901234567890123"}
	for _, n := range invalid {
		if models.ValidName(n) {
			t.Errorf("ValidName(%q): got true, want false", n)
		}
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF"},
		{"  AA:BB:CC:DD:EE:FF ", "AA:BB:CC:DD:EE:FF"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := models.NormalizeMAC(tt.in); got != tt.want {
			t.Errorf("NormalizeMAC(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		err      error
		category error
	}{
		{models.ErrPlugNotFound, models.ErrNotFound},
		{models.ErrServerNotFound, models.ErrNotFound},
		{models.ErrNoPlugConfigured, models.ErrPreconditionFailed},
		{models.ErrNoMACConfigured, models.ErrPreconditionFailed},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.category) {
			t.Errorf("%v: does not match category %v", tt.err, tt.category)
		}
	}
	if errors.Is(models.ErrPlugNotFound, models.ErrPreconditionFailed) {
		t.Error("ErrPlugNotFound should not be a precondition failure")
	}
}
