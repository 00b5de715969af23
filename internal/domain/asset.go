package domain

import (
	"fmt"
	"regexp"
)

// MintPattern matches a base58 Solana address inside free text.
var MintPattern = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)

var mintExact = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// ValidateMint checks that s is a plausible token mint address.
func ValidateMint(s string) error {
	if !mintExact.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidMint, s)
	}
	return nil
}
