package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(es []EntityWithObservations) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.Name)
	}
	return out
}

func TestSearchProjectScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Budget alpha", ProjectID: "alpha"})
	require.NoError(t, err)
	_, err = s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Budget beta", ProjectID: "beta"})
	require.NoError(t, err)
	_, err = s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Budget global"})
	require.NoError(t, err)

	res, err := s.SearchEntities(ctx, Query{UserID: "u1", Text: "budget", ProjectID: "alpha"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Budget alpha", "Budget global"}, names(res))

	res, err = s.SearchEntities(ctx, Query{UserID: "u1", Text: "budget", ProjectID: "alpha", ProjectIDs: []string{"beta"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Budget alpha", "Budget beta", "Budget global"}, names(res))

	res, err = s.SearchEntities(ctx, Query{UserID: "u1", Text: "budget"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Budget global"}, names(res))
}

func TestSearchMatchesObservationsAndOrdersByRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older, err := s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Supplier One"})
	require.NoError(t, err)
	_, err = s.AddObservation(ctx, "u1", older.ID, "Pays net-30 via bank transfer", ImportanceNormal, false)
	require.NoError(t, err)
	newer, err := s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Transfer Agent"})
	require.NoError(t, err)
	_, err = s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Unrelated"})
	require.NoError(t, err)

	res, err := s.SearchEntities(ctx, Query{UserID: "u1", Text: "TRANSFER"})
	require.NoError(t, err)
	require.Equal(t, []string{"Transfer Agent", "Supplier One"}, names(res))
	assert.Equal(t, newer.ID, res[0].ID)
	require.Len(t, res[1].Observations, 1)
}

func TestSearchIsolatesUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateEntity(ctx, Entity{UserID: "u2", Name: "Private thing"})
	require.NoError(t, err)

	res, err := s.SearchEntities(ctx, Query{UserID: "u1", Text: "private"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateEntity(ctx, Entity{UserID: "u1", Name: "plain"})
	require.NoError(t, err)
	res, err := s.SearchEntities(ctx, Query{UserID: "u1", Text: "%"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

type fixedSearcher struct{ q Query }

func (f *fixedSearcher) Search(ctx context.Context, q Query) ([]EntityWithObservations, error) {
	f.q = q
	return []EntityWithObservations{{Entity: Entity{Name: "ranked"}}}, nil
}

func TestSearcherIsPluggable(t *testing.T) {
	base := newTestStore(t)
	fs := &fixedSearcher{}
	s := NewSQLStore(base.db, WithSearcher(fs))
	res, err := s.SearchEntities(context.Background(), Query{UserID: "u1", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ranked"}, names(res))
	assert.Equal(t, "x", fs.q.Text)
}

func TestSearchFoldsUnicodeCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Ärzte GmbH"})
	require.NoError(t, err)
	other, err := s.CreateEntity(ctx, Entity{UserID: "u1", Name: "Clinic"})
	require.NoError(t, err)
	_, err = s.AddObservation(ctx, "u1", other.ID, "Invoices go to ÖSTERREICH office", ImportanceNormal, false)
	require.NoError(t, err)

	res, err := s.SearchEntities(ctx, Query{UserID: "u1", Text: "ärzte"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, e.ID, res[0].ID)
	assert.Equal(t, "Ärzte GmbH", res[0].Name)

	res, err = s.SearchEntities(ctx, Query{UserID: "u1", Text: "österreich"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Clinic"}, names(res))
}
