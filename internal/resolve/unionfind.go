package resolve

import (
	"github.com/opensource-finance/harrier/internal/domain"
)

// unionFind is a disjoint-set forest over account keys with path
// compression and union by size. Equal sizes keep the smaller key as root,
// so the surviving identity id never depends on merge order.
type unionFind struct {
	parent map[domain.AccountKey]domain.AccountKey
	size   map[domain.AccountKey]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[domain.AccountKey]domain.AccountKey),
		size:   make(map[domain.AccountKey]int),
	}
}

func (u *unionFind) add(k domain.AccountKey) {
	if _, ok := u.parent[k]; ok {
		return
	}
	u.parent[k] = k
	u.size[k] = 1
}

func (u *unionFind) find(k domain.AccountKey) domain.AccountKey {
	root := k
	for {
		p, ok := u.parent[root]
		if !ok || p == root {
			break
		}
		root = p
	}
	for k != root {
		next := u.parent[k]
		u.parent[k] = root
		k = next
	}
	return root
}

// root is find without path compression, safe under a read lock.
func (u *unionFind) root(k domain.AccountKey) domain.AccountKey {
	for {
		p, ok := u.parent[k]
		if !ok || p == k {
			return k
		}
		k = p
	}
}

// union merges the sets of a and b and reports whether they were distinct.
func (u *unionFind) union(a, b domain.AccountKey) bool {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if u.size[ra] < u.size[rb] || (u.size[ra] == u.size[rb] && rb.Less(ra)) {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
	delete(u.size, rb)
	return true
}

func (u *unionFind) clone() *unionFind {
	c := &unionFind{
		parent: make(map[domain.AccountKey]domain.AccountKey, len(u.parent)),
		size:   make(map[domain.AccountKey]int, len(u.size)),
	}
	for k, v := range u.parent {
		c.parent[k] = v
	}
	for k, v := range u.size {
		c.size[k] = v
	}
	return c
}
