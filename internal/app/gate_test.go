package app_test

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus_listings/internal/app"
	"campus_listings/internal/domain"
)

func TestGate_MasksWithoutGrant(t *testing.T) {
	ctx := context.Background()
	rec := app.Normalize(premiumDoc("p1"))
	store := app.NewMemoryEntitlementStore()
	gate := app.NewGate(store)

	out := gate.Present(ctx, rec, "v1")
	assert.True(t, out.Locked)
	assert.Equal(t, domain.RedactedPremium(), out.Premium)
	// non-premium fields pass through
	assert.Equal(t, rec.Title, out.Title)
	assert.Equal(t, rec.Location, out.Location)

	// the input record is untouched
	assert.Equal(t, "12 Market Road", rec.Premium.ExactAddress)
}

func TestGate_UnmasksRightAfterGrant(t *testing.T) {
	ctx := context.Background()
	rec := app.Normalize(premiumDoc("p1"))
	store := app.NewMemoryEntitlementStore()
	gate := app.NewGate(store)

	_, _, err := store.RecordGrant(ctx, "v1", "p1", "ref_1")
	require.NoError(t, err)

	out := gate.Present(ctx, rec, "v1")
	assert.False(t, out.Locked)
	assert.Equal(t, "12 Market Road", out.Premium.ExactAddress)
	assert.Equal(t, "+2348000000000", out.Premium.Caretaker.Phone)
	assert.Equal(t, domain.Coordinates{Lat: 7.44, Lng: 3.9}, out.Premium.GPSCoordinates)

	// another viewer still sees placeholders
	other := gate.Present(ctx, rec, "v2")
	assert.True(t, other.Locked)
}

func TestGate_HintNeverGrants(t *testing.T) {
	doc := premiumDoc("p1")
	doc["isUnlocked"] = true
	rec := app.Normalize(doc)

	out := app.NewGate(app.NewMemoryEntitlementStore()).Present(context.Background(), rec, "v1")
	assert.True(t, out.Locked)
	assert.Nil(t, out.UnlockedHint)
}

func TestGate_FailsClosed(t *testing.T) {
	ctx := context.Background()
	gate := app.NewGate(failingStore{})
	assert.False(t, gate.IsUnlocked(ctx, "v1", "p1"))
	assert.True(t, gate.Present(ctx, app.Normalize(premiumDoc("p1")), "v1").Locked)

	// anonymous and id-less lookups never reach a store
	assert.False(t, app.NewGate(nil).IsUnlocked(ctx, "", "p1"))
	assert.False(t, app.NewGate(nil).IsUnlocked(ctx, "v1", "p1"))
	assert.False(t, app.NewGate(app.NewMemoryEntitlementStore()).IsUnlocked(ctx, "v1", ""))
}

func TestGate_PresentAll(t *testing.T) {
	ctx := context.Background()
	store := app.NewMemoryEntitlementStore()
	_, _, _ = store.RecordGrant(ctx, "v1", "p2", "ref")

	out := app.NewGate(store).PresentAll(ctx, []domain.PropertyRecord{
		app.Normalize(premiumDoc("p1")),
		app.Normalize(premiumDoc("p2")),
	}, "v1")
	require.Len(t, out, 2)
	assert.True(t, out[0].Locked)
	assert.False(t, out[1].Locked)
}

func TestGate_ConcurrentPresentAndGrant(t *testing.T) {
	ctx := context.Background()
	store := app.NewMemoryEntitlementStore()
	gate := app.NewGate(store)
	rec := app.Normalize(premiumDoc("p1"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			out := gate.Present(ctx, rec, "v1")
			// either fully redacted or fully real, never mixed
			if out.Locked {
				assert.Equal(t, domain.RedactedPremium(), out.Premium)
			} else {
				assert.Equal(t, rec.Premium, out.Premium)
			}
		}()
		go func() {
			defer wg.Done()
			_, _, _ = store.RecordGrant(ctx, "v1", "p1", "ref")
		}()
	}
	wg.Wait()
	assert.False(t, gate.Present(ctx, rec, "v1").Locked)
}

func TestGate_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no grant never exposes real premium fields", prop.ForAll(
		func(viewer, property, addr, phone string, lat float64) bool {
			rec := app.Normalize(map[string]any{
				"_id":            property,
				"exactLocation":  addr,
				"caretakerPhone": phone,
				"gpsCoordinates": map[string]any{"lat": lat, "lng": lat},
			})
			out := app.NewGate(app.NewMemoryEntitlementStore()).Present(context.Background(), rec, viewer)
			return out.Locked &&
				out.Premium == domain.RedactedPremium() &&
				out.Premium.ExactAddress != addr &&
				out.Premium.Caretaker.Phone != phone
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.NumString().SuchThat(func(s string) bool { return s != "" }),
		gen.Float64Range(-90, 90),
	))

	properties.Property("a recorded grant unmasks only its own pair", prop.ForAll(
		func(viewer, property, other string) bool {
			ctx := context.Background()
			store := app.NewMemoryEntitlementStore()
			if _, _, err := store.RecordGrant(ctx, viewer, property, "ref"); err != nil {
				return false
			}
			gate := app.NewGate(store)
			own := gate.Present(ctx, app.Normalize(premiumDoc(property)), viewer)
			if own.Locked || own.Premium.ExactAddress != "12 Market Road" {
				return false
			}
			if other == property {
				return true
			}
			return gate.Present(ctx, app.Normalize(premiumDoc(other)), viewer).Locked
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
