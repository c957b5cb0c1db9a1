package codes

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"omnimesh/mesh"
)

var codePattern = regexp.MustCompile(`^OMNI-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestGenerateFormat(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 20; i++ {
		code, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, time.Hour)
		require.NoError(t, err)
		require.Regexp(t, codePattern, code.Code)
		require.NotNil(t, code.ExpiresAt)
	}
}

func TestGenerateRequiresPeer(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Generate("  ", nil, time.Hour)
	require.ErrorIs(t, err, mesh.ErrMalformed)
}

func TestResolveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	code, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765", "203.0.113.4:8765"}, time.Hour)
	require.NoError(t, err)

	row, err := store.Resolve(code.Code)
	require.NoError(t, err)
	require.Equal(t, "a1b2c3d4e5f60718", row.PeerID)
	require.Equal(t, []string{"192.168.1.5:8765", "203.0.113.4:8765"}, row.Addresses())

	// Lookup is case and whitespace tolerant.
	lowered, err := store.Resolve("  " + toLower(code.Code) + " ")
	require.NoError(t, err)
	require.Equal(t, code.Code, lowered.Code)
}

func toLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + 'a' - 'A'
		}
	}
	return string(out)
}

func TestResolveEnforcesExpiryAtReadTime(t *testing.T) {
	store := newTestStore(t)
	code, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, time.Hour)
	require.NoError(t, err)

	// The row is still physically present, but the clock moved past expiry.
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = store.Resolve(code.Code)
	require.ErrorIs(t, err, mesh.ErrNotFound)

	var count int64
	require.NoError(t, store.db.Model(&ConnectionCode{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCodeWithoutTTLNeverExpires(t *testing.T) {
	store := newTestStore(t)
	code, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, 0)
	require.NoError(t, err)
	require.Nil(t, code.ExpiresAt)

	store.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }
	_, err = store.Resolve(code.Code)
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	code, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Delete(code.Code))
	_, err = store.Resolve(code.Code)
	require.ErrorIs(t, err, mesh.ErrNotFound)
	require.ErrorIs(t, store.Delete(code.Code), mesh.ErrNotFound)
}

func TestCleanupExpired(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, time.Minute)
	require.NoError(t, err)
	_, err = store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, time.Minute)
	require.NoError(t, err)
	keeper, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, 10*time.Hour)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	removed, err := store.CleanupExpired()
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	_, err = store.Resolve(keeper.Code)
	require.NoError(t, err)
}

func TestSaveImportsForeignCode(t *testing.T) {
	store := newTestStore(t)
	require.ErrorIs(t, store.Save(nil), mesh.ErrMalformed)
	require.ErrorIs(t, store.Save(&ConnectionCode{}), mesh.ErrMalformed)

	imported := &ConnectionCode{
		Code:       "OMNI-ZZZZ-0000",
		PeerID:     "a1b2c3d4e5f60718",
		Multiaddrs: "192.168.1.5:8765",
	}
	require.NoError(t, store.Save(imported))
	require.False(t, imported.CreatedAt.IsZero())

	row, err := store.Resolve("OMNI-ZZZZ-0000")
	require.NoError(t, err)
	require.Equal(t, "a1b2c3d4e5f60718", row.PeerID)
}

func TestDirectoryAdapter(t *testing.T) {
	store := newTestStore(t)
	code, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765", "203.0.113.4:8765"}, time.Hour)
	require.NoError(t, err)

	directory := NewDirectory(store)
	record, err := directory.Resolve(code.Code)
	require.NoError(t, err)
	require.Equal(t, code.Code, record.Code)
	require.Equal(t, "a1b2c3d4e5f60718", record.PeerID)
	require.Len(t, record.Multiaddrs, 2)

	require.NoError(t, directory.Delete(code.Code))
	_, err = directory.Resolve(code.Code)
	require.ErrorIs(t, err, mesh.ErrNotFound)
}

func TestDuplicateInsertDetectedAsCollision(t *testing.T) {
	store := newTestStore(t)
	code, err := store.Generate("a1b2c3d4e5f60718", []string{"192.168.1.5:8765"}, time.Hour)
	require.NoError(t, err)

	// Generate retries on exactly this class of error.
	dup := &ConnectionCode{Code: code.Code, PeerID: "other", Multiaddrs: "10.0.0.1:8765", CreatedAt: time.Now()}
	err = store.db.Create(dup).Error
	require.Error(t, err)
	require.True(t, errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err))
}
