package models_test

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazelgames/keygate/internal/database"
	"github.com/hazelgames/keygate/internal/models"
)

func newTestStore(t *testing.T) *models.LicenseStore {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to initialize test database")
	t.Cleanup(func() { db.Close() })

	return models.NewLicenseStore(db.Conn())
}

func mustCreate(t *testing.T, store *models.LicenseStore, ownerID, email string, maxActivations int) *models.License {
	t.Helper()

	key, err := models.GenerateLicenseKey("LOL")
	require.NoError(t, err)

	license, err := store.Create(t.Context(), key, ownerID, email, nil, maxActivations)
	require.NoError(t, err)
	return license
}

func TestGenerateLicenseKey(t *testing.T) {
	key, err := models.GenerateLicenseKey("LOL")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "LOL-"), "key %q should carry the prefix", key)
	assert.Len(t, key, len("LOL-")+20)

	other, err := models.GenerateLicenseKey("LOL")
	require.NoError(t, err)
	assert.NotEqual(t, key, other, "two generated keys should differ")
}

func TestCreateAndGet(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	name := "Jamie Buyer"
	key, err := models.GenerateLicenseKey("LOL")
	require.NoError(t, err)

	license, err := store.Create(ctx, key, "1001-1", "jamie@example.com", &name, 3)
	require.NoError(t, err)

	assert.Equal(t, key, license.LicenseKey)
	assert.Equal(t, "1001-1", license.OwnerID)
	assert.Equal(t, 3, license.MaxActivations)
	assert.Equal(t, 0, license.ActivationCount)
	assert.True(t, license.IsValid)
	require.NotNil(t, license.Name)
	assert.Equal(t, name, *license.Name)

	got, err := store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, license.ID, got.ID)

	byOwner, err := store.GetByOwner(ctx, "1001-1", "jamie@example.com")
	require.NoError(t, err)
	assert.Equal(t, license.ID, byOwner.ID)
}

func TestGetByKeyNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetByKey(t.Context(), "LOL-DOESNOTEXIST")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

func TestCreateDuplicateKey(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	license := mustCreate(t, store, "2001-1", "a@example.com", 1)

	_, err := store.Create(ctx, license.LicenseKey, "2002-1", "b@example.com", nil, 1)
	assert.ErrorIs(t, err, models.ErrDuplicateKey)
}

func TestCreateDuplicateOwner(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	mustCreate(t, store, "3001-1", "a@example.com", 1)

	key, err := models.GenerateLicenseKey("LOL")
	require.NoError(t, err)

	_, err = store.Create(ctx, key, "3001-1", "a@example.com", nil, 1)
	assert.ErrorIs(t, err, models.ErrOwnerExists)
}

func TestActivateUnknownKey(t *testing.T) {
	store := newTestStore(t)

	status, err := store.Activate(t.Context(), "LOL-DOESNOTEXIST", "dev1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusInvalid, status)
}

func TestActivateStateMachine(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	license := mustCreate(t, store, "4001-1", "buyer@example.com", 3)
	key := license.LicenseKey

	// New device with headroom consumes one activation.
	status, err := store.Activate(ctx, key, "dev1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusActivated, status)
	assertActivationCount(t, store, key, 1)

	// Same device again is a no-op.
	status, err = store.Activate(ctx, key, "dev1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusAlreadyActive, status)
	assertActivationCount(t, store, key, 1)

	status, err = store.Activate(ctx, key, "dev2")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusActivated, status)
	assertActivationCount(t, store, key, 2)

	status, err = store.Activate(ctx, key, "dev3")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusActivated, status)
	assertActivationCount(t, store, key, 3)

	// Ceiling reached: a new device is refused, the record is unchanged.
	status, err = store.Activate(ctx, key, "dev4")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusLimitReached, status)
	assertActivationCount(t, store, key, 3)

	// A device holding an activation still re-verifies at the ceiling.
	status, err = store.Activate(ctx, key, "dev1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusAlreadyActive, status)
	assertActivationCount(t, store, key, 3)

	devices, err := store.ActivatedDevices(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1", "dev2", "dev3"}, devices)
}

func TestActivateInvalidatedKey(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	license := mustCreate(t, store, "5001-1", "buyer@example.com", 3)
	key := license.LicenseKey

	status, err := store.Activate(ctx, key, "dev1")
	require.NoError(t, err)
	require.Equal(t, models.ActivationStatusActivated, status)

	require.NoError(t, store.Invalidate(ctx, key))

	// Invalidation is rechecked on every call, including for devices that
	// already activated.
	status, err = store.Activate(ctx, key, "dev1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusInvalid, status)

	status, err = store.Activate(ctx, key, "dev2")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusInvalid, status)
	assertActivationCount(t, store, key, 1)
}

func TestInvalidateUnknownKey(t *testing.T) {
	store := newTestStore(t)

	err := store.Invalidate(t.Context(), "LOL-DOESNOTEXIST")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

// TestActivateConcurrent checks the ceiling under contention: 10 distinct
// devices racing for 3 activation slots must produce exactly 3 acceptances.
func TestActivateConcurrent(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	license := mustCreate(t, store, "6001-1", "buyer@example.com", 3)
	key := license.LicenseKey

	const attempts = 10
	results := make([]models.ActivationStatus, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Activate(ctx, key, device(i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "activation %d failed", i)
	}

	var activated, refused int
	for _, status := range results {
		switch status {
		case models.ActivationStatusActivated:
			activated++
		case models.ActivationStatusLimitReached:
			refused++
		default:
			t.Fatalf("unexpected status %q", status)
		}
	}

	assert.Equal(t, 3, activated)
	assert.Equal(t, attempts-3, refused)
	assertActivationCount(t, store, key, 3)

	devices, err := store.ActivatedDevices(ctx, license.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}

// TestActivateConcurrentSameDevice checks that one device racing against
// itself consumes at most one activation slot.
func TestActivateConcurrentSameDevice(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)

	license := mustCreate(t, store, "7001-1", "buyer@example.com", 3)
	key := license.LicenseKey

	const attempts = 8
	results := make([]models.ActivationStatus, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Activate(ctx, key, "dev-same")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "activation %d failed", i)
		assert.Contains(t, []models.ActivationStatus{
			models.ActivationStatusActivated,
			models.ActivationStatusAlreadyActive,
		}, results[i])
	}

	assertActivationCount(t, store, key, 1)

	devices, err := store.ActivatedDevices(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-same"}, devices)
}

func assertActivationCount(t *testing.T, store *models.LicenseStore, key string, want int) {
	t.Helper()

	license, err := store.GetByKey(t.Context(), key)
	require.NoError(t, err)
	assert.Equal(t, want, license.ActivationCount, "activation count mismatch")
	assert.LessOrEqual(t, license.ActivationCount, license.MaxActivations)
}

func device(i int) string {
	return "dev-" + string(rune('a'+i))
}
