package codes

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"omnimesh/mesh"
)

const (
	codePrefix = "OMNI"
	codeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// generateAttempts bounds collision retries before giving up.
	generateAttempts = 5
)

// ConnectionCode is a short-lived human-shareable introduction. The row is
// deleted on first successful use or by the periodic expiry sweep; Resolve
// additionally enforces expiry at read time so a stale row is never served.
type ConnectionCode struct {
	Code       string     `gorm:"primaryKey"`
	PeerID     string     `gorm:"index"`
	Multiaddrs string     `gorm:"not null"`
	ExpiresAt  *time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// TableName keeps the table name stable across backends.
func (ConnectionCode) TableName() string { return "connection_codes" }

// Addresses splits the persisted multiaddr list.
func (c *ConnectionCode) Addresses() []string {
	if c == nil || strings.TrimSpace(c.Multiaddrs) == "" {
		return nil
	}
	parts := strings.Split(c.Multiaddrs, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Store persists connection codes. Operations use short-lived transactions;
// issuance and resolution are human-paced, so per-call round trips are fine.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the backend selected by the DSN: postgres for
// postgres:// URLs, sqlite otherwise. SQLite runs in WAL mode so readers
// never block the writer.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("codes store DSN required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		if !strings.Contains(dsn, "_pragma") && dsn != ":memory:" {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open codes store: %w", err)
	}
	if err := db.AutoMigrate(&ConnectionCode{}); err != nil {
		return nil, fmt.Errorf("migrate codes store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewStore wraps an existing gorm handle, running migrations. Tests use this
// with an in-memory sqlite database.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	if err := db.AutoMigrate(&ConnectionCode{}); err != nil {
		return nil, fmt.Errorf("migrate codes store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// randomSegment draws n characters from the base-36 alphabet with crypto/rand.
func randomSegment(n int) (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(codeChars)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("draw code character: %w", err)
		}
		sb.WriteByte(codeChars[idx.Int64()])
	}
	return sb.String(), nil
}

// Generate issues a new unused code of the form OMNI-XXXX-XXXX. Collisions
// are retried a bounded number of times before failing hard.
func (s *Store) Generate(peerID string, multiaddrs []string, ttl time.Duration) (*ConnectionCode, error) {
	if strings.TrimSpace(peerID) == "" {
		return nil, fmt.Errorf("peer ID required: %w", mesh.ErrMalformed)
	}
	var expiresAt *time.Time
	if ttl > 0 {
		exp := s.now().Add(ttl)
		expiresAt = &exp
	}
	for attempt := 0; attempt < generateAttempts; attempt++ {
		first, err := randomSegment(4)
		if err != nil {
			return nil, err
		}
		second, err := randomSegment(4)
		if err != nil {
			return nil, err
		}
		code := &ConnectionCode{
			Code:       fmt.Sprintf("%s-%s-%s", codePrefix, first, second),
			PeerID:     peerID,
			Multiaddrs: strings.Join(multiaddrs, ","),
			ExpiresAt:  expiresAt,
			CreatedAt:  s.now(),
		}
		err = s.db.Create(code).Error
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) && !isUniqueViolation(err) {
			return nil, fmt.Errorf("save connection code: %w", mesh.ErrStorage)
		}
	}
	return nil, fmt.Errorf("code generation collided %d times: %w", generateAttempts, mesh.ErrStorage)
}

// Save stores or replaces a code row directly. Generate is preferred; Save
// exists for importing codes issued elsewhere.
func (s *Store) Save(code *ConnectionCode) error {
	if code == nil || strings.TrimSpace(code.Code) == "" {
		return fmt.Errorf("code required: %w", mesh.ErrMalformed)
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = s.now()
	}
	if err := s.db.Save(code).Error; err != nil {
		return fmt.Errorf("save connection code: %w", mesh.ErrStorage)
	}
	return nil
}

// Resolve looks up a code, treating an expired row as absent without
// requiring a prior delete.
func (s *Store) Resolve(code string) (*ConnectionCode, error) {
	var row ConnectionCode
	err := s.db.First(&row, "code = ?", strings.ToUpper(strings.TrimSpace(code))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("code %s: %w", code, mesh.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve connection code: %w", mesh.ErrStorage)
	}
	if row.ExpiresAt != nil && !row.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("code %s expired: %w", code, mesh.ErrNotFound)
	}
	return &row, nil
}

// Delete removes a code, typically after its first successful use.
func (s *Store) Delete(code string) error {
	result := s.db.Delete(&ConnectionCode{}, "code = ?", strings.ToUpper(strings.TrimSpace(code)))
	if result.Error != nil {
		return fmt.Errorf("delete connection code: %w", mesh.ErrStorage)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("code %s: %w", code, mesh.ErrNotFound)
	}
	return nil
}

// CleanupExpired physically removes expired rows and reports how many went.
// Run periodically by the owning process, not by this store.
func (s *Store) CleanupExpired() (int64, error) {
	result := s.db.Where("expires_at IS NOT NULL AND expires_at <= ?", s.now()).Delete(&ConnectionCode{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup expired codes: %w", mesh.ErrStorage)
	}
	return result.RowsAffected, nil
}

// isUniqueViolation catches backend-specific duplicate key errors that gorm
// does not normalise.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// Directory adapts the store to the slice the discovery service consumes.
type Directory struct {
	store *Store
}

// NewDirectory wraps a store for use by mesh.Service.RedeemCode.
func NewDirectory(store *Store) *Directory {
	return &Directory{store: store}
}

// Resolve implements mesh.CodeDirectory.
func (d *Directory) Resolve(code string) (mesh.ConnectionCodeRecord, error) {
	row, err := d.store.Resolve(code)
	if err != nil {
		return mesh.ConnectionCodeRecord{}, err
	}
	return mesh.ConnectionCodeRecord{
		Code:       row.Code,
		PeerID:     row.PeerID,
		Multiaddrs: row.Addresses(),
	}, nil
}

// Delete implements mesh.CodeDirectory.
func (d *Directory) Delete(code string) error {
	return d.store.Delete(code)
}
