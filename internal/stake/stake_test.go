package stake

import (
	"errors"
	"testing"

	"github.com/kai/ledger-engine/internal/model"
)

var binary = []model.MarketOption{
	{ID: "opt-a", Label: "Yes"},
	{ID: "opt-b", Label: "No"},
}

var multi = []model.MarketOption{
	{ID: "opt-1", Label: "Red"},
	{ID: "opt-2", Label: "Green"},
	{ID: "opt-3", Label: "Blue"},
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name     string
		optionID string
		position string
		options  []model.MarketOption
		want     string
		wantErr  error
	}{
		{"option id only", "opt-a", "", binary, "opt-a", nil},
		{"position yes", "", model.PositionYes, binary, "opt-a", nil},
		{"position no", "", model.PositionNo, binary, "opt-b", nil},
		{"both agree", "opt-a", model.PositionYes, binary, "opt-a", nil},
		{"both disagree", "opt-a", model.PositionNo, binary, "", model.ErrStakeMismatch},
		{"neither", "", "", binary, "", model.ErrUnknownOption},
		{"unknown option", "opt-x", "", binary, "", model.ErrUnknownOption},
		{"bad position", "", "maybe", binary, "", model.ErrUnknownOption},
		{"position on multi-option market", "", model.PositionYes, multi, "", model.ErrUnknownOption},
		{"option id on multi-option market", "opt-2", "", multi, "opt-2", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &model.Commitment{OptionID: tt.optionID, Position: tt.position}
			got, err := Canonical(c, tt.options)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Canonical() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPosition(t *testing.T) {
	if p := Position("opt-a", binary); p != model.PositionYes {
		t.Errorf("first option should map to yes, got %q", p)
	}
	if p := Position("opt-b", binary); p != model.PositionNo {
		t.Errorf("second option should map to no, got %q", p)
	}
	if p := Position("opt-2", multi); p != "" {
		t.Errorf("multi-option markets have no binary position, got %q", p)
	}
}

func TestIsWinner(t *testing.T) {
	won, err := IsWinner(&model.Commitment{OptionID: "opt-a"}, binary, "opt-a")
	if err != nil || !won {
		t.Errorf("IsWinner = %v/%v, want true", won, err)
	}
	won, err = IsWinner(&model.Commitment{Position: model.PositionNo}, binary, "opt-a")
	if err != nil || won {
		t.Errorf("IsWinner = %v/%v, want false", won, err)
	}
}

func TestIsWinner_Mismatch(t *testing.T) {
	c := &model.Commitment{OptionID: "opt-b", Position: model.PositionYes}
	_, err := IsWinner(c, binary, "opt-a")
	if !errors.Is(err, model.ErrStakeMismatch) {
		t.Errorf("expected ErrStakeMismatch, got %v", err)
	}
}
