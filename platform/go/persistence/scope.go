package persistence

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
)

// Predicate is a caller-supplied equality filter keyed by document field name.
// A slice value matches any of its elements.
type Predicate map[string]any

// TenantField is the document field carrying the owning tenant.
const TenantField = "tenantId"

var (
	// ErrMissingTenant is returned when a predicate is scoped without a tenant.
	ErrMissingTenant = errors.New("tenant id is required to scope a query")
	// ErrUnknownField is returned when a predicate names a field the table does not expose.
	ErrUnknownField = errors.New("unknown predicate field")
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// psql renders squirrel statements with PostgreSQL placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Fields maps predicate keys to SQL column expressions for one table. Keys
// absent from Columns resolve to JSONColumn->>'key' when JSONColumn is set,
// and are rejected otherwise.
type Fields struct {
	Columns    map[string]string
	JSONColumn string
}

// Scope returns a copy of raw whose tenant field is forced to tenantID. Any
// tenant key already present in raw (in any spelling) is dropped, never trusted.
func Scope(tenantID string, raw Predicate) (Predicate, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	safe := make(Predicate, len(raw)+1)
	for key, value := range raw {
		if isTenantKey(key) {
			continue
		}
		safe[key] = value
	}
	safe[TenantField] = tenantID
	return safe, nil
}

func isTenantKey(key string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "_", ""))
	return normalized == "tenantid"
}

// ScopeBuilder renders tenant-scoped WHERE clauses. Legacy matching of rows
// without a tenant is only possible until LegacyUntil and only when the caller
// asks for it through WhereLegacy.
type ScopeBuilder struct {
	legacyUntil time.Time
	now         func() time.Time
	logger      *zap.Logger

	expiredOnce sync.Once
}

type ScopeBuilderConfig struct {
	LegacyUntil time.Time
	Now         func() time.Time
	Logger      *zap.Logger
}

func NewScopeBuilder(cfg ScopeBuilderConfig) *ScopeBuilder {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScopeBuilder{legacyUntil: cfg.LegacyUntil, now: now, logger: logger}
}

// LegacyActive reports whether the legacy migration window is still open.
func (b *ScopeBuilder) LegacyActive() bool {
	if b.legacyUntil.IsZero() {
		return false
	}
	if b.now().Before(b.legacyUntil) {
		return true
	}
	b.expiredOnce.Do(func() {
		b.logger.Warn("legacy tenant mode deadline passed; using exact tenant matching",
			zap.Time("legacy_until", b.legacyUntil))
	})
	return false
}

// Where scopes raw to tenantID and renders it with an exact tenant match.
func (b *ScopeBuilder) Where(tenantID string, raw Predicate, fields Fields) (sq.Sqlizer, error) {
	return b.render(tenantID, raw, fields, false)
}

// WhereLegacy is Where for collections that predate tenant tagging: while the
// legacy window is open, rows with a NULL or empty tenant also match.
func (b *ScopeBuilder) WhereLegacy(tenantID string, raw Predicate, fields Fields) (sq.Sqlizer, error) {
	return b.render(tenantID, raw, fields, b.LegacyActive())
}

func (b *ScopeBuilder) render(tenantID string, raw Predicate, fields Fields, legacy bool) (sq.Sqlizer, error) {
	safe, err := Scope(tenantID, raw)
	if err != nil {
		return nil, err
	}

	tenantColumn, err := fields.column(TenantField)
	if err != nil {
		return nil, err
	}

	var tenantCond sq.Sqlizer = sq.Eq{tenantColumn: safe[TenantField]}
	if legacy {
		tenantCond = sq.Or{
			sq.Eq{tenantColumn: safe[TenantField]},
			sq.Eq{tenantColumn: nil},
			sq.Eq{tenantColumn: ""},
		}
	}
	conds := sq.And{tenantCond}

	keys := make([]string, 0, len(safe))
	for key := range safe {
		if key != TenantField {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		column, err := fields.column(key)
		if err != nil {
			return nil, err
		}
		value := safe[key]
		if fields.isJSON(key) {
			value = jsonText(value)
		}
		conds = append(conds, sq.Eq{column: value})
	}
	return conds, nil
}

func (f Fields) column(key string) (string, error) {
	if column, ok := f.Columns[key]; ok {
		return column, nil
	}
	if f.JSONColumn == "" || !fieldPattern.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, key)
	}
	return fmt.Sprintf("%s->>'%s'", f.JSONColumn, key), nil
}

func (f Fields) isJSON(key string) bool {
	_, ok := f.Columns[key]
	return !ok && f.JSONColumn != ""
}

// jsonText converts predicate values to the text form ->> yields.
func jsonText(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return v
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return fmt.Sprint(v)
	}
}
