package ingest

import "fmt"

// Validate checks the canonical transaction against the strict schema.
// All violations are collected so a single pass surfaces every problem.
func (t *Transaction) Validate() error {
	var diags []string

	if len(t.Signatures) == 0 {
		diags = append(diags, "signatures must not be empty")
	}
	for i, sig := range t.Signatures {
		if sig == "" {
			diags = append(diags, fmt.Sprintf("signatures[%d] is empty", i))
		}
	}

	if t.Version != VersionLegacy && t.Version != VersionVersioned {
		diags = append(diags, fmt.Sprintf("version must be %q or %q, got %q",
			VersionLegacy, VersionVersioned, t.Version))
	}

	if t.RecentBlockhash == "" {
		diags = append(diags, "recentBlockhash is empty")
	}

	for i, acct := range t.Accounts {
		if acct.Pubkey == "" {
			diags = append(diags, fmt.Sprintf("accounts[%d].pubkey is empty", i))
		}
		if acct.PreTokenBalance != nil && acct.PreTokenBalance.Mint == "" {
			diags = append(diags, fmt.Sprintf("accounts[%d].preTokenBalance.mint is empty", i))
		}
		if acct.PostTokenBalance != nil && acct.PostTokenBalance.Mint == "" {
			diags = append(diags, fmt.Sprintf("accounts[%d].postTokenBalance.mint is empty", i))
		}
	}

	prevHeight := uint32(0)
	for i, ins := range t.Instructions {
		if int(ins.ProgramIndex) >= len(t.Accounts) {
			diags = append(diags, fmt.Sprintf("instructions[%d].programIndex %d out of range (%d accounts)",
				i, ins.ProgramIndex, len(t.Accounts)))
		}
		for j, idx := range ins.AccountIndices {
			if int(idx) >= len(t.Accounts) {
				diags = append(diags, fmt.Sprintf("instructions[%d].accountIndices[%d] %d out of range (%d accounts)",
					i, j, idx, len(t.Accounts)))
			}
		}

		switch {
		case ins.StackHeight == 0:
			diags = append(diags, fmt.Sprintf("instructions[%d].stackHeight is zero", i))
		case i == 0 && ins.StackHeight != 1:
			diags = append(diags, fmt.Sprintf("instructions[0].stackHeight must be 1, got %d", ins.StackHeight))
		case ins.StackHeight > 1 && ins.StackHeight > prevHeight+1:
			diags = append(diags, fmt.Sprintf("instructions[%d].stackHeight jumps from %d to %d",
				i, prevHeight, ins.StackHeight))
		}
		prevHeight = ins.StackHeight
	}

	if len(diags) > 0 {
		return &SchemaValidationError{Diagnostics: diags}
	}
	return nil
}
