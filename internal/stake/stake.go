// Package stake reconciles the two ways a commitment can name its chosen
// outcome: the canonical option ID used by multi-option markets, and the
// legacy yes/no position used by binary markets. Options[0] of a binary
// market corresponds to "yes".
//
// When both fields are present and disagree, the commitment is flagged
// rather than silently resolved one way: the caller records the conflict
// in the audit trail and treats the commitment as a data-integrity case.
package stake

import (
	"fmt"

	"github.com/kai/ledger-engine/internal/model"
)

// yesIndex and noIndex fix the binary position to option-ordering mapping.
const (
	yesIndex = 0
	noIndex  = 1
)

// Canonical derives the canonical option ID for a commitment against the
// given option list.
//
// Rules:
//   - OptionID set, Position empty: OptionID wins (must exist).
//   - Position set, OptionID empty: derived from option ordering.
//   - Both set: they must agree; disagreement returns ErrStakeMismatch
//     so the caller can flag it instead of guessing.
//   - Neither set: ErrUnknownOption.
func Canonical(c *model.Commitment, options []model.MarketOption) (string, error) {
	derived := ""
	if c.Position != "" {
		id, err := optionForPosition(c.Position, options)
		if err != nil {
			return "", err
		}
		derived = id
	}

	switch {
	case c.OptionID == "" && derived == "":
		return "", model.ErrUnknownOption
	case c.OptionID == "":
		return derived, nil
	}

	if !optionExists(c.OptionID, options) {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownOption, c.OptionID)
	}
	if derived != "" && derived != c.OptionID {
		return "", fmt.Errorf("%w: option %s vs position %s",
			model.ErrStakeMismatch, c.OptionID, c.Position)
	}
	return c.OptionID, nil
}

// Position derives the legacy binary position for an option ID, or "" for
// markets with more than two options.
func Position(optionID string, options []model.MarketOption) string {
	if len(options) != 2 {
		return ""
	}
	switch optionID {
	case options[yesIndex].ID:
		return model.PositionYes
	case options[noIndex].ID:
		return model.PositionNo
	}
	return ""
}

// IsWinner reports whether a commitment is on the winning option. A
// commitment whose option and position disagree returns ErrStakeMismatch;
// the caller must not settle it either way.
func IsWinner(c *model.Commitment, options []model.MarketOption, winningOptionID string) (bool, error) {
	id, err := Canonical(c, options)
	if err != nil {
		return false, err
	}
	return id == winningOptionID, nil
}

func optionForPosition(position string, options []model.MarketOption) (string, error) {
	if len(options) != 2 {
		return "", fmt.Errorf("%w: position %q on %d-option market",
			model.ErrUnknownOption, position, len(options))
	}
	switch position {
	case model.PositionYes:
		return options[yesIndex].ID, nil
	case model.PositionNo:
		return options[noIndex].ID, nil
	}
	return "", fmt.Errorf("%w: position %q", model.ErrUnknownOption, position)
}

func optionExists(id string, options []model.MarketOption) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}
