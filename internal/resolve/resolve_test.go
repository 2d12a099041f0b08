package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
)

func acc(platform, handle, name, email, phone string) *domain.RawAccount {
	return &domain.RawAccount{
		ID:       platform + "-" + handle,
		Platform: platform,
		Handle:   handle,
		Name:     name,
		Email:    email,
		Phone:    phone,
	}
}

func identityOf(t *testing.T, p *domain.Partition, key domain.AccountKey) string {
	t.Helper()
	id, ok := p.MemberIndex()[key]
	require.True(t, ok, "missing %s", key)
	return id
}

func TestResolvePhoneAndEmail(t *testing.T) {
	r := NewResolver("case-1")

	res, err := r.Resolve(context.Background(), []*domain.RawAccount{
		acc("telegram", "nightowl", "", "", "+16502530000"),
		acc("whatsapp", "owl", "", "", "+16502530000"),
		acc("gmail", "owl.mail", "", "owl@example.net", ""),
		acc("signal", "quiet", "", "owl@example.net", ""),
		acc("x", "stranger", "", "", ""),
	})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Accounts)
	assert.Equal(t, 3, res.Identities)
	assert.Equal(t, 2, res.Merges)
	assert.Equal(t, 1, res.ByReason[domain.ReasonPhone])
	assert.Equal(t, 1, res.ByReason[domain.ReasonEmail])

	p := r.Snapshot()
	assert.Len(t, p.Identities, 3)
	assert.Equal(t,
		identityOf(t, p, domain.AccountKey{Platform: "telegram", Handle: "nightowl"}),
		identityOf(t, p, domain.AccountKey{Platform: "whatsapp", Handle: "owl"}))
	assert.Equal(t,
		identityOf(t, p, domain.AccountKey{Platform: "gmail", Handle: "owl.mail"}),
		identityOf(t, p, domain.AccountKey{Platform: "signal", Handle: "quiet"}))
}

func TestResolveTransitive(t *testing.T) {
	r := NewResolver("case-1")

	// a~b by phone, b~c by email: all three end up together.
	_, err := r.Resolve(context.Background(), []*domain.RawAccount{
		acc("a", "alpha", "", "", "+16502530000"),
		acc("b", "bravo", "", "bravo@example.com", "+16502530000"),
		acc("c", "charlie", "", "bravo@example.com", ""),
	})
	require.NoError(t, err)

	p := r.Snapshot()
	require.Len(t, p.Identities, 1)
	assert.Len(t, p.Identities[0].Members, 3)
	assert.Len(t, p.Edges, 2)
}

func TestResolveTieBreakKeepsSmallerKey(t *testing.T) {
	r := NewResolver("case-1")

	_, err := r.Resolve(context.Background(), []*domain.RawAccount{
		acc("zeta", "zz", "", "", "+16502530000"),
		acc("alpha", "aa", "", "", "+16502530000"),
	})
	require.NoError(t, err)

	p := r.Snapshot()
	require.Len(t, p.Identities, 1)
	assert.Equal(t, "alpha/aa", p.Identities[0].ID)
}

func TestResolveHandleName(t *testing.T) {
	t.Run("SimilarNamesMerge", func(t *testing.T) {
		r := NewResolver("case-1")
		res, err := r.Resolve(context.Background(), []*domain.RawAccount{
			acc("telegram", "ghost", "José García", "", ""),
			acc("instagram", "ghost", "Jose Garcia", "", ""),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ByReason[domain.ReasonHandleName])

		p := r.Snapshot()
		require.Len(t, p.Edges, 1)
		assert.Equal(t, WeightHandleName, p.Edges[0].Weight)
		assert.Contains(t, p.Edges[0].Evidence, "nameSim")
	})

	t.Run("DifferentNamesStayApart", func(t *testing.T) {
		r := NewResolver("case-1")
		_, err := r.Resolve(context.Background(), []*domain.RawAccount{
			acc("telegram", "ghost", "Maria Lopez", "", ""),
			acc("instagram", "ghost", "Peter Smith", "", ""),
		})
		require.NoError(t, err)
		assert.Len(t, r.Snapshot().Identities, 2)
	})

	t.Run("MissingNameNeverMerges", func(t *testing.T) {
		r := NewResolver("case-1")
		_, err := r.Resolve(context.Background(), []*domain.RawAccount{
			acc("telegram", "ghost", "", "", ""),
			acc("instagram", "ghost", "", "", ""),
		})
		require.NoError(t, err)
		assert.Len(t, r.Snapshot().Identities, 2)
	})

	t.Run("CustomSimilarity", func(t *testing.T) {
		r := NewResolver("case-1", WithSimilarity(func(a, b string) float64 { return 100 }))
		_, err := r.Resolve(context.Background(), []*domain.RawAccount{
			acc("telegram", "ghost", "A", "", ""),
			acc("instagram", "ghost", "B", "", ""),
		})
		require.NoError(t, err)
		assert.Len(t, r.Snapshot().Identities, 1)
	})
}

func TestResolveEdgeKeepsAllReasons(t *testing.T) {
	r := NewResolver("case-1")

	_, err := r.Resolve(context.Background(), []*domain.RawAccount{
		acc("a", "same", "Jane Roe", "jane@example.com", "+16502530000"),
		acc("b", "same", "Jane Roe", "jane@example.com", "+16502530000"),
	})
	require.NoError(t, err)

	p := r.Snapshot()
	require.Len(t, p.Edges, 1)
	e := p.Edges[0]
	assert.Equal(t, WeightPhone, e.Weight)
	assert.Equal(t, domain.ReasonPhone, e.Reason)
	assert.Equal(t, []string{domain.ReasonEmail, domain.ReasonHandleName, domain.ReasonPhone}, e.Reasons)
	assert.Equal(t, "+16502530000", e.Evidence["phone"])
	assert.Equal(t, "jane@example.com", e.Evidence["email"])
}

func TestResolveIdempotent(t *testing.T) {
	r := NewResolver("case-1")
	batch := []*domain.RawAccount{
		acc("a", "one", "", "", "+16502530000"),
		acc("b", "two", "", "", "+16502530000"),
		acc("c", "three", "", "x@example.com", ""),
	}

	_, err := r.Resolve(context.Background(), batch)
	require.NoError(t, err)
	first := r.Snapshot()

	res, err := r.Resolve(context.Background(), batch)
	require.NoError(t, err)
	second := r.Snapshot()

	assert.Zero(t, res.Merges)
	assert.Zero(t, res.NewEdges)
	assert.Equal(t, first.Identities, second.Identities)
	assert.Equal(t, first.Edges, second.Edges)
}

func TestResolveIncremental(t *testing.T) {
	r := NewResolver("case-1")

	_, err := r.Resolve(context.Background(), []*domain.RawAccount{
		acc("a", "one", "", "", "+16502530000"),
	})
	require.NoError(t, err)

	// a later batch fills in the phone of a second account
	_, err = r.Resolve(context.Background(), []*domain.RawAccount{
		acc("b", "two", "", "", ""),
		acc("b", "two", "", "", "+16502530000"),
	})
	require.NoError(t, err)

	p := r.Snapshot()
	assert.Equal(t, 2, p.Accounts)
	require.Len(t, p.Identities, 1)
	assert.Equal(t, "+16502530000", p.Identities[0].Phone)

	id, ok := r.IdentityOf(domain.AccountKey{Platform: "b", Handle: "two"})
	assert.True(t, ok)
	assert.Equal(t, "a/one", id)
}

func TestResolveCancelledLeavesPartition(t *testing.T) {
	r := NewResolver("case-1")
	_, err := r.Resolve(context.Background(), []*domain.RawAccount{
		acc("a", "one", "", "", ""),
		acc("b", "two", "", "", ""),
	})
	require.NoError(t, err)
	before := r.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Resolve(ctx, []*domain.RawAccount{
		acc("a", "one", "", "", "+16502530000"),
		acc("b", "two", "", "", "+16502530000"),
	})
	require.ErrorIs(t, err, context.Canceled)

	after := r.Snapshot()
	assert.Equal(t, before.Identities, after.Identities)
	assert.Empty(t, after.Edges)
}

func TestResolveNoHandleAccounts(t *testing.T) {
	r := NewResolver("case-1")
	_, err := r.Resolve(context.Background(), []*domain.RawAccount{
		{ID: "x1", Platform: "bank", Phone: "+16502530000"},
		{ID: "x2", Platform: "bank", Phone: "+16502530000"},
	})
	require.NoError(t, err)

	p := r.Snapshot()
	require.Len(t, p.Identities, 1)
	assert.Equal(t, "bank/nohandle:x1", p.Identities[0].ID)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	a := reg.For("case-a")
	assert.Same(t, a, reg.For("case-a"))
	assert.NotSame(t, a, reg.For("case-b"))

	got, ok := reg.Lookup("case-a")
	assert.True(t, ok)
	assert.Same(t, a, got)
	_, ok = reg.Lookup("case-c")
	assert.False(t, ok)
}

func TestResolveCountsDroppedAccounts(t *testing.T) {
	r := NewResolver("case-1")
	res, err := r.Resolve(context.Background(), []*domain.RawAccount{
		{Platform: "telegram", Handle: "owl"},
		{Handle: "orphan", Phone: "+16502530000"},
		nil,
		{Platform: "", Handle: "ghost"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accounts)
	assert.Equal(t, 2, res.Dropped)
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 100.0, NameSimilarity("Jane Roe", "jane roe"))
	assert.Equal(t, 100.0, NameSimilarity("José", "Jose"))
	assert.GreaterOrEqual(t, NameSimilarity("Roe, Jane", "Jane Roe"), 90.0)
	assert.Less(t, NameSimilarity("Maria Lopez", "Peter Smith"), 60.0)
	assert.Zero(t, NameSimilarity("", "x"))
	assert.Zero(t, NameSimilarity("!!!", "abc"))

	// a short name inside a long one scores through the partial ratios
	long := NameSimilarity("Jon", "Jon Bartholomew Richardson")
	assert.Greater(t, long, 50.0)
	assert.LessOrEqual(t, long, 90.0)

	// dropped letters cost one deletion each, not a substitution
	assert.Equal(t, 92.86, NameSimilarity("Christopher Lee", "Cristopher Le"))
	assert.Equal(t, 92.86, NameSimilarity("Katherine Jones", "Kathrine Jone"))
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 100.0, ratio("", ""))
	assert.Zero(t, ratio("abc", ""))
	assert.InDelta(t, 66.667, ratio("abc", "abd"), 0.001)
	assert.InDelta(t, 50.0, ratio("ab", "ba"), 0.001)
	assert.Equal(t, 13, lcs([]rune("christopher lee"), []rune("cristopher le")))
}

func TestResolveMergesAtIndelRatio(t *testing.T) {
	r := NewResolver("case-1")
	res, err := r.Resolve(context.Background(), []*domain.RawAccount{
		acc("telegram", "chris_lee", "Christopher Lee", "", ""),
		acc("instagram", "chris_lee", "Cristopher Le", "", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ByReason[domain.ReasonHandleName])
	assert.Len(t, r.Snapshot().Identities, 1)
}
