package gatewaytest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/questhuntapp/questhunt/questhunt/database"
)

type doc struct {
	ID    string `bson:"_id,omitempty"`
	Name  string `bson:"name"`
	Count int    `bson:"count"`
}

func TestGetSetRoundTrip(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "docs", "a", doc{Name: "alpha", Count: 1}, false))

	var got doc
	require.NoError(t, m.Get(ctx, "docs", "a", &got))
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, "alpha", got.Name)

	err := m.Get(ctx, "docs", "missing", &got)
	assert.ErrorIs(t, err, database.ErrNoDocument)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "docs", "a", doc{Name: "alpha", Count: 1}, false))

	boom := errors.New("boom")
	err := m.RunTransaction(ctx, func(tx database.Tx) error {
		require.NoError(t, tx.Set("docs", "b", doc{Name: "beta"}, false))
		require.NoError(t, tx.Update("docs", "a", bson.M{"$inc": bson.M{"count": 5}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var a doc
	require.NoError(t, m.Get(ctx, "docs", "a", &a))
	assert.Equal(t, 1, a.Count, "update must roll back")
	assert.ErrorIs(t, m.Get(ctx, "docs", "b", &a), database.ErrNoDocument, "insert must roll back")
}

func TestSubscribePushesOnChange(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "docs", "a", doc{Name: "watched", Count: 1}, false))
	require.NoError(t, m.Set(ctx, "docs", "b", doc{Name: "other", Count: 1}, false))

	var pushes [][]bson.Raw
	sub, err := m.Subscribe(ctx, "docs", "name", "watched", func(docs []bson.Raw) {
		pushes = append(pushes, docs)
	})
	require.NoError(t, err)
	require.Len(t, pushes, 1, "initial result set pushed on subscribe")
	assert.Len(t, pushes[0], 1)

	require.NoError(t, m.Set(ctx, "docs", "c", doc{Name: "watched", Count: 2}, false))
	require.Len(t, pushes, 2)
	assert.Len(t, pushes[1], 2)

	sub.Remove()
	require.NoError(t, m.Set(ctx, "docs", "d", doc{Name: "watched"}, false))
	assert.Len(t, pushes, 2, "no pushes after Remove")
}

func TestQueryInRejectsOversizedFanOut(t *testing.T) {
	m := New()
	ids := make([]string, database.MaxQueryInSize+1)
	for i := range ids {
		ids[i] = "x"
	}
	var out []doc
	err := m.QueryIn(context.Background(), "docs", "_id", ids, &out)
	assert.Error(t, err)
}
