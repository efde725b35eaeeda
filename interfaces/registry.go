package interfaces

// AccessRegistry answers membership queries in constant time.
type AccessRegistry interface {
	// HasAccess reports whether user holds any role in the whitelist.
	HasAccess(user Address, whitelist WhitelistID) bool

	// ResolveRole returns the user's role with precedence owner > doctor > member > none.
	ResolveRole(user Address, whitelist WhitelistID) (Role, Permissions)
}

// Ledger is the read side of the registry the policy contract simulates against.
type Ledger interface {
	AccessRegistry

	GetWhitelist(id WhitelistID) (*Whitelist, error)
	GetRecord(id RecordID) (*Record, error)
	GetEnclave(id EnclaveID) (*EnclaveInfo, error)
}
