package resolver

import (
	"context"
	"math/rand"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/kv"
	"github.com/offerpath/dispatch/internal/models"
	"github.com/offerpath/dispatch/internal/rules"
)

func newTestResolver(t *testing.T) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStore(client)
	return New(store, rules.NewPicker(rand.NewSource(1)), zap.NewNop()), mr
}

func TestKeysProbeOrder(t *testing.T) {
	keys := Keys("lp.example.com", "/products/item/sub")
	assert.Equal(t, []string{
		"lp.example.com/products/item/sub",
		"lp.example.com/products/item/sub/",
		"lp.example.com/products/item",
		"lp.example.com/products/item/",
		"lp.example.com/products",
		"lp.example.com/products/",
		"lp.example.com/",
	}, keys)
}

func TestKeysRootProbesBareHost(t *testing.T) {
	assert.Equal(t, []string{"lp.example.com/", "lp.example.com"},
		Keys("lp.example.com", "/"))

	// Non-root paths never fall back to the bare host key.
	assert.NotContains(t, Keys("lp.example.com", "/products/item"), "lp.example.com")
}

func TestResolveLongestPrefixWins(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Set("lp.example.com/", `{"id":"root"}`)
	mr.Set("lp.example.com/a/b", `{"id":"deep"}`)

	b, key, err := r.Resolve(context.Background(), "lp.example.com", "/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "deep", b.ID)
	assert.Equal(t, "lp.example.com/a/b", key)
}

func TestResolveTrailingSlashEquivalence(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Set("lp.example.com/offer", `{"id":"offer"}`)

	b1, _, err := r.Resolve(context.Background(), "lp.example.com", "/offer")
	require.NoError(t, err)
	b2, _, err := r.Resolve(context.Background(), "lp.example.com", "/offer/")
	require.NoError(t, err)
	assert.Equal(t, b1.ID, b2.ID)
}

func TestResolveNoBundle(t *testing.T) {
	r, _ := newTestResolver(t)
	_, _, err := r.Resolve(context.Background(), "lp.example.com", "/missing")
	assert.ErrorIs(t, err, ErrNoBundle)
}

func TestResolveSkipsMalformedValue(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Set("lp.example.com/a/b", `{not-json`)
	mr.Set("lp.example.com/a", `{"id":"parent"}`)

	b, _, err := r.Resolve(context.Background(), "lp.example.com", "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "parent", b.ID)
}

func TestCollapseDefaultsOffersWin(t *testing.T) {
	r, _ := newTestResolver(t)
	b := &models.RuleBundle{
		DefaultFolder: "lander/",
		DefaultOffers: []models.WeightedOffer{{URL: "https://off.example/"}},
		DefaultDestinations: []models.WeightedLP{
			{Folder: "other/", Mode: models.ModeHosted},
		},
	}
	r.CollapseDefaults(b)
	assert.Equal(t, "https://off.example/", b.DefaultFolder)
	assert.Equal(t, models.ModeRedirect, b.DefaultFolderMode)
}

func TestCollapseDefaultsDestinations(t *testing.T) {
	r, _ := newTestResolver(t)
	b := &models.RuleBundle{
		DefaultDestinations: []models.WeightedLP{
			{Folder: "lander/", Mode: models.ModeProxy},
		},
	}
	r.CollapseDefaults(b)
	assert.Equal(t, "lander/", b.DefaultFolder)
	assert.Equal(t, models.ModeProxy, b.DefaultFolderMode)
}

func TestExactPathMatch(t *testing.T) {
	assert.True(t, ExactPathMatch("lp.example.com/offer", "lp.example.com", "/offer"))
	assert.True(t, ExactPathMatch("lp.example.com/offer", "lp.example.com", "/offer/"))
	assert.True(t, ExactPathMatch("lp.example.com/", "lp.example.com", "/"))
	assert.True(t, ExactPathMatch("lp.example.com", "lp.example.com", "/"))
	assert.False(t, ExactPathMatch("lp.example.com/offer", "lp.example.com", "/offer/deeper"))
}
