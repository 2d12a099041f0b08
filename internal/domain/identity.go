package domain

import (
	"strings"
	"time"
)

// RawAccount is one platform account as observed in evidence. Fields are
// merged first-non-null-wins: a value, once set, is never overwritten.
type RawAccount struct {
	ID         string         `json:"id"`
	CaseID     string         `json:"caseId"`
	Platform   string         `json:"platform"`
	Handle     string         `json:"handle,omitempty"`
	Name       string         `json:"name,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Key returns the resolver key of the account.
func (a *RawAccount) Key() AccountKey {
	if a.Handle != "" {
		return AccountKey{Platform: a.Platform, Handle: a.Handle}
	}
	return AccountKey{Platform: a.Platform, Handle: NoHandlePrefix + a.ID}
}

// MergeFrom fills empty fields of a from o.
func (a *RawAccount) MergeFrom(o *RawAccount) {
	if a.ID == "" {
		a.ID = o.ID
	}
	if a.Handle == "" {
		a.Handle = o.Handle
	}
	if a.Name == "" {
		a.Name = o.Name
	}
	if a.ExternalID == "" {
		a.ExternalID = o.ExternalID
	}
	if a.Email == "" {
		a.Email = o.Email
	}
	if a.Phone == "" {
		a.Phone = o.Phone
	}
	if len(a.Extra) == 0 && len(o.Extra) > 0 {
		a.Extra = o.Extra
	}
	if o.UpdatedAt.After(a.UpdatedAt) {
		a.UpdatedAt = o.UpdatedAt
	}
}

// NoHandlePrefix marks synthetic handles of accounts without one.
const NoHandlePrefix = "nohandle:"

// AccountKey identifies an account inside a case.
type AccountKey struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
}

func (k AccountKey) String() string {
	return k.Platform + "/" + k.Handle
}

// Less orders keys by platform, then handle.
func (k AccountKey) Less(o AccountKey) bool {
	if k.Platform != o.Platform {
		return k.Platform < o.Platform
	}
	return k.Handle < o.Handle
}

// ParseAccountKey reverses AccountKey.String.
func ParseAccountKey(s string) (AccountKey, bool) {
	platform, handle, ok := strings.Cut(s, "/")
	if !ok || platform == "" || handle == "" {
		return AccountKey{}, false
	}
	return AccountKey{Platform: platform, Handle: handle}, true
}

// Identity is a cluster of accounts believed to be one real-world person.
type Identity struct {
	ID      string       `json:"id"`
	Members []AccountKey `json:"members"`
	Name    string       `json:"name,omitempty"`
	Email   string       `json:"email,omitempty"`
	Phone   string       `json:"phone,omitempty"`
}

// Merge reasons
const (
	ReasonPhone      = "phone"
	ReasonEmail      = "email"
	ReasonHandleName = "handle+name"
)

// AliasEdge is the explainable link between two accounts.
type AliasEdge struct {
	From     AccountKey     `json:"from"`
	To       AccountKey     `json:"to"`
	Weight   float64        `json:"weight"`
	Reason   string         `json:"reason"`
	Reasons  []string       `json:"reasons"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Partition is an immutable view of a resolver's clusters.
type Partition struct {
	CaseID     string      `json:"caseId"`
	Identities []Identity  `json:"identities"`
	Edges      []AliasEdge `json:"edges"`
	Accounts   int         `json:"accounts"`
	ResolvedAt time.Time   `json:"resolvedAt"`
}

// MemberIndex maps every account key to the id of its identity.
func (p *Partition) MemberIndex() map[AccountKey]string {
	idx := make(map[AccountKey]string, p.Accounts)
	for _, id := range p.Identities {
		for _, m := range id.Members {
			idx[m] = id.ID
		}
	}
	return idx
}
