package model

// AccessLevel is the per-caller entitlement used to pick size limits,
// retention and quota.
type AccessLevel struct {
	HasAccess bool `json:"hasAccess"`
}

// Account is what the entitlement/usage collaborator knows about a caller.
// Anonymous callers have no account and are never entitled.
type Account struct {
	UserID      string `json:"userId"`
	HasAccess   bool   `json:"hasAccess"`
	StoredBytes int64  `json:"storedBytes"`
}

// Access projects the entitlement part of an account.
func (a Account) Access() AccessLevel {
	return AccessLevel{HasAccess: a.HasAccess}
}
