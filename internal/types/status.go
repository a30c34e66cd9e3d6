package types

// Status is the row lifecycle status of a persisted resource.
// It is independent of domain status fields (subscription status, invoice status ...).
type Status string

const (
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
	StatusDeleted   Status = "deleted"
)
