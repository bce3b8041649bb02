package model

type PairingStatus string

const (
	PairingStatusAwaiting  PairingStatus = "awaiting"
	PairingStatusCompleted PairingStatus = "completed"
	PairingStatusExpired   PairingStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s PairingStatus) Terminal() bool {
	return s == PairingStatusCompleted || s == PairingStatusExpired
}

type CodeStatus string

const (
	CodeStatusUnused  CodeStatus = "unused"
	CodeStatusUsed    CodeStatus = "used"
	CodeStatusExpired CodeStatus = "expired"
)

type TokenStatus string

const (
	TokenStatusIssued   TokenStatus = "issued"
	TokenStatusConsumed TokenStatus = "consumed"
	TokenStatusExpired  TokenStatus = "expired"
)
