package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PlatformKey identifies a product module that tenants can be entitled to.
type PlatformKey string

const (
	PlatformSAM     PlatformKey = "sam"
	PlatformHealth  PlatformKey = "health"
	PlatformEDRAC   PlatformKey = "edrac"
	PlatformCVision PlatformKey = "cvision"
)

// PlatformKeys lists every known platform module.
var PlatformKeys = []PlatformKey{PlatformSAM, PlatformHealth, PlatformEDRAC, PlatformCVision}

// ParsePlatformKey validates a raw platform key.
func ParsePlatformKey(raw string) (PlatformKey, error) {
	key := PlatformKey(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range PlatformKeys {
		if key == known {
			return key, nil
		}
	}
	return "", fmt.Errorf("unknown platform key %q", raw)
}

// maxIdentifierLen is the PostgreSQL NAMEDATALEN limit minus the terminator.
const maxIdentifierLen = 63

var (
	tenantIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	nonIdentChars   = regexp.MustCompile(`[^a-z0-9_]+`)
)

// NormalizeTenantID trims and lowercases the input and ensures it is a URL-safe slug of at most 100 characters.
func NormalizeTenantID(input string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return "", errors.New("tenantId is required")
	}
	if len(trimmed) > 100 {
		return "", errors.New("tenantId must be at most 100 characters")
	}
	if !tenantIDPattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid tenantId %q: must match ^[a-z0-9]+(?:-[a-z0-9]+)*$", input)
	}
	return trimmed, nil
}

// ToSnake converts a kebab-case identifier into snake_case.
func ToSnake(slug string) string {
	return strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

// Fingerprint returns the first 10 hex characters of sha256(tenantID). Two tenant ids that
// sanitize to the same prefix still get distinct partitions through this suffix.
func Fingerprint(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return hex.EncodeToString(sum[:])[:10]
}

// BuildSchemaName returns the partition (PostgreSQL schema) name for a tenant.
// Format: <envKey>__t_<snake tenantId, max 32>_<fingerprint>.
func BuildSchemaName(envKey, tenantID string) string {
	readable := nonIdentChars.ReplaceAllString(ToSnake(tenantID), "_")
	if len(readable) > 32 {
		readable = readable[:32]
	}
	name := sanitizeEnvKey(envKey) + "__t_" + readable + "_" + Fingerprint(tenantID)
	return truncateIdentifier(name, Fingerprint(tenantID))
}

// BuildRoleName returns the database role that owns a tenant partition.
func BuildRoleName(schemaName string) string {
	name := schemaName + "_rl"
	if len(name) <= maxIdentifierLen {
		return name
	}
	return name[len(name)-maxIdentifierLen:]
}

// BuildPlatformSchemaName returns the schema holding cross-tenant platform tables (the tenant registry).
func BuildPlatformSchemaName(envKey string) string {
	return sanitizeEnvKey(envKey) + "__platform"
}

func sanitizeEnvKey(envKey string) string {
	key := nonIdentChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(envKey)), "_")
	if len(key) > 16 {
		key = key[:16]
	}
	return key
}

// truncateIdentifier keeps the fingerprint suffix intact when the name exceeds the identifier limit.
func truncateIdentifier(name, suffix string) string {
	if len(name) <= maxIdentifierLen {
		return name
	}
	keep := maxIdentifierLen - len(suffix) - 1
	return strings.TrimRight(name[:keep], "_") + "_" + suffix
}

// sharedCollections live unprefixed because every platform module reads them.
var sharedCollections = map[string]struct{}{
	"org_nodes":     {},
	"users":         {},
	"roles":         {},
	"permissions":   {},
	"audit_logs":    {},
	"notifications": {},
}

// CollectionName returns the partition-local collection name for a platform module.
// Collections shared across modules, including every structure_* collection, are not prefixed.
func CollectionName(key PlatformKey, collection string) string {
	collection = strings.ToLower(strings.TrimSpace(collection))
	if _, shared := sharedCollections[collection]; shared || strings.HasPrefix(collection, "structure_") {
		return collection
	}
	return string(key) + "_" + collection
}
