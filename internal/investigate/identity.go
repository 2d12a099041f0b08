package investigate

import (
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/normalize"
)

// namedPrefix marks the external id of an account derived from a reference
// that is not a valid handle.
const namedPrefix = "name:"

// identityIndex maps event and activity references of a case to resolved
// identities. Before the first build it only normalizes references.
type identityIndex struct {
	normalizer *normalize.Normalizer
	members    map[domain.AccountKey]string
	named      map[refKey]domain.AccountKey
	// handles resolves a bare handle when every account using it sits in
	// one identity
	handles map[string]string
}

func (s *Service) identityIndex(caseID string) *identityIndex {
	x := &identityIndex{
		normalizer: s.normalizer,
		members:    make(map[domain.AccountKey]string),
		named:      make(map[refKey]domain.AccountKey),
		handles:    make(map[string]string),
	}
	if caseID == "" {
		return x
	}
	r, ok := s.registry.Lookup(caseID)
	if !ok {
		return x
	}
	x.members = r.Snapshot().MemberIndex()
	for _, acc := range r.Accounts() {
		if name, ok := strings.CutPrefix(acc.ExternalID, namedPrefix); ok && acc.Handle == "" {
			x.named[refKey{platform: acc.Platform, ref: name}] = acc.Key()
		}
	}

	ambiguous := make(map[string]bool)
	for k, id := range x.members {
		if strings.HasPrefix(k.Handle, domain.NoHandlePrefix) {
			continue
		}
		if prev, ok := x.handles[k.Handle]; ok && prev != id {
			ambiguous[k.Handle] = true
		}
		x.handles[k.Handle] = id
	}
	for h := range ambiguous {
		delete(x.handles, h)
	}
	return x
}

// account normalizes a reference seen on platform to an account key
// string. It is an aggregate.KeyFunc.
func (x *identityIndex) account(platform, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	p := platformOf(platform)
	if p == "" {
		if h, ok := x.normalizer.Handle(ref); ok {
			return h, true
		}
		return ref, true
	}
	if k, ok := x.named[refKey{platform: p, ref: ref}]; ok {
		return k.String(), true
	}
	if h, ok := x.normalizer.Handle(ref); ok {
		return domain.AccountKey{Platform: p, Handle: h}.String(), true
	}
	return domain.AccountKey{Platform: p, Handle: ref}.String(), true
}

// identity returns the identity id of a normalized account key, or of a
// bare handle when that handle is unambiguous.
func (x *identityIndex) identity(key string) (string, bool) {
	if k, ok := domain.ParseAccountKey(key); ok {
		k.Platform = platformOf(k.Platform)
		if h, ok := x.normalizer.Handle(k.Handle); ok {
			k.Handle = h
		}
		id, ok := x.members[k]
		return id, ok
	}
	id, ok := x.handles[key]
	return id, ok
}

// resolve maps a raw reference to its identity, falling back to the
// normalized account key.
func (x *identityIndex) resolve(platform, ref string) (string, bool) {
	key, ok := x.account(platform, ref)
	if !ok {
		return "", false
	}
	if id, ok := x.identity(key); ok {
		return id, true
	}
	return key, true
}

// subject maps an activity user id, either a bare handle or a
// "platform/handle" key, to its identity. Unresolved ids are kept as is.
func (x *identityIndex) subject(userID string) string {
	key, ok := x.account("", userID)
	if !ok {
		return userID
	}
	if id, ok := x.identity(key); ok {
		return id
	}
	return userID
}
