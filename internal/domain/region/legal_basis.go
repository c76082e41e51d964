package region

// LegalBasis is the regulatory justification permitting a cross-border
// transfer. A transfer without one of these must not happen.
type LegalBasis string

const (
	// LegalBasisSCC covers transfers under standard contractual clauses
	LegalBasisSCC LegalBasis = "SCC"

	// LegalBasisConsent covers transfers the data subject explicitly consented to
	LegalBasisConsent LegalBasis = "consent"

	// LegalBasisAdequacy covers transfers between regions with an adequacy decision
	LegalBasisAdequacy LegalBasis = "adequacy"

	// LegalBasisContract covers transfers necessary to perform the contract
	LegalBasisContract LegalBasis = "contract"
)

// String returns the string representation of LegalBasis
func (b LegalBasis) String() string {
	return string(b)
}

// IsValid returns true if the legal basis is from the enumerated set
func (b LegalBasis) IsValid() bool {
	switch b {
	case LegalBasisSCC, LegalBasisConsent, LegalBasisAdequacy, LegalBasisContract:
		return true
	}
	return false
}
