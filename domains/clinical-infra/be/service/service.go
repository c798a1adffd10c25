package service

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/domains/clinical-infra/be/repo"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

//go:embed bed.schema.json
var bedSchema []byte

// AuditEntity is the audit entity type of bed mutations.
const AuditEntity = "clinical_infra_bed"

// ValidationError captures payload validation issues surfaced by the JSON schema validator.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	return "validation error"
}

var (
	ErrNotFound = errors.New("bed not found")
	ErrConflict = errors.New("bed conflict")
)

// transportKeys are request-level fields that never reach the stored body.
var transportKeys = []string{"clientRequestId"}

// Bed is a stored bed document.
type Bed struct {
	ID         string
	TenantID   string
	Attributes map[string]any
	IsArchived bool
	ArchivedAt *time.Time
	CreatedBy  string
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListOptions narrows List. Empty filter values are ignored.
type ListOptions struct {
	FacilityID      string
	UnitID          string
	Status          string
	Search          string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ListResult is a page of beds.
type ListResult struct {
	Items      []Bed
	TotalItems int
	Limit      int
	Offset     int
}

// Auditor records bed mutations.
type Auditor interface {
	Record(ctx context.Context, space tenant.Space, entry audit.Entry, fn func(ctx context.Context) (any, error)) error
}

// Service manages the clinical infrastructure bed registry.
type Service interface {
	List(ctx context.Context, space tenant.Space, opts ListOptions) (ListResult, error)
	Create(ctx context.Context, space tenant.Space, actor string, attrs map[string]any) (Bed, error)
	Update(ctx context.Context, space tenant.Space, actor, id string, patch map[string]any) (Bed, error)
	Archive(ctx context.Context, space tenant.Space, actor, id string) (Bed, error)
}

type service struct {
	repo      repo.Repository
	validator *persistence.DocumentValidator
	audit     Auditor
	now       func() time.Time
}

// New constructs a Service instance and registers the bed schema with validator.
func New(r repo.Repository, validator *persistence.DocumentValidator, auditor Auditor) (Service, error) {
	if r == nil {
		return nil, errors.New("beds repository is required")
	}
	if validator == nil || auditor == nil {
		return nil, errors.New("validator and auditor are required")
	}
	if err := validator.Register(repo.BedsCollection, bedSchema); err != nil {
		return nil, err
	}
	return &service{repo: r, validator: validator, audit: auditor, now: time.Now}, nil
}

func (s *service) List(ctx context.Context, space tenant.Space, opts ListOptions) (ListResult, error) {
	filter := persistence.Predicate{}
	if v := strings.TrimSpace(opts.FacilityID); v != "" {
		filter["facilityId"] = v
	}
	if v := strings.TrimSpace(opts.UnitID); v != "" {
		filter["unitId"] = v
	}
	if v := strings.TrimSpace(opts.Status); v != "" {
		filter["status"] = v
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = persistence.DefaultDocumentLimit
	}
	if limit > persistence.MaxDocumentLimit {
		limit = persistence.MaxDocumentLimit
	}

	docs, total, err := s.repo.List(ctx, space, persistence.DocumentQuery{
		Filter:          filter,
		Search:          opts.Search,
		IncludeArchived: opts.IncludeArchived,
		Limit:           limit,
		Offset:          opts.Offset,
	})
	if err != nil {
		return ListResult{}, err
	}

	items := make([]Bed, 0, len(docs))
	for _, doc := range docs {
		items = append(items, mapDocument(doc))
	}
	return ListResult{Items: items, TotalItems: total, Limit: limit, Offset: opts.Offset}, nil
}

func (s *service) Create(ctx context.Context, space tenant.Space, actor string, attrs map[string]any) (Bed, error) {
	if attrs == nil {
		return Bed{}, &ValidationError{Fields: map[string][]string{"/": {"payload is required"}}}
	}
	body := clean(attrs)
	if _, ok := body["status"]; !ok {
		body["status"] = "active"
	}
	if err := s.validate(body); err != nil {
		return Bed{}, err
	}

	id := uuid.NewString()
	var stored persistence.Document
	err := s.audit.Record(ctx, space, audit.Entry{EntityType: AuditEntity, EntityID: id, Action: "create", After: body},
		func(ctx context.Context) (any, error) {
			doc, _, err := s.repo.Insert(ctx, space, persistence.Document{ID: id, Body: body, CreatedBy: actor})
			if err != nil {
				return nil, err
			}
			stored = doc
			return doc.Body, nil
		})
	if err != nil {
		return Bed{}, translateError(err)
	}
	return mapDocument(stored), nil
}

// Update merges patch into the stored bed. The merged body must still satisfy
// the bed schema.
func (s *service) Update(ctx context.Context, space tenant.Space, actor, id string, patch map[string]any) (Bed, error) {
	body := clean(patch)
	if len(body) == 0 {
		return Bed{}, &ValidationError{Fields: map[string][]string{"/": {"at least one field must be provided"}}}
	}

	current, err := s.repo.Get(ctx, space, id)
	if err != nil {
		return Bed{}, translateError(err)
	}
	merged := make(map[string]any, len(current.Body)+len(body))
	for k, v := range current.Body {
		merged[k] = v
	}
	for k, v := range body {
		merged[k] = v
	}
	if err := s.validate(merged); err != nil {
		return Bed{}, err
	}

	var after persistence.Document
	err = s.audit.Record(ctx, space, audit.Entry{EntityType: AuditEntity, EntityID: id, Action: "update", Before: current.Body, After: merged},
		func(ctx context.Context) (any, error) {
			var err error
			_, after, err = s.repo.Update(ctx, space, id, body, actor)
			if err != nil {
				return nil, err
			}
			return after.Body, nil
		})
	if err != nil {
		return Bed{}, translateError(err)
	}
	return mapDocument(after), nil
}

func (s *service) Archive(ctx context.Context, space tenant.Space, actor, id string) (Bed, error) {
	var after persistence.Document
	err := s.audit.Record(ctx, space, audit.Entry{EntityType: AuditEntity, EntityID: id, Action: "archive", After: map[string]any{"isArchived": true}},
		func(ctx context.Context) (any, error) {
			var err error
			_, after, err = s.repo.Archive(ctx, space, id, actor, s.now().UTC())
			if err != nil {
				return nil, err
			}
			return map[string]any{"isArchived": true, "archivedAt": after.ArchivedAt}, nil
		})
	if err != nil {
		return Bed{}, translateError(err)
	}
	return mapDocument(after), nil
}

func (s *service) validate(body map[string]any) error {
	err := s.validator.Validate(repo.BedsCollection, body)
	if err == nil {
		return nil
	}
	messages := persistence.ValidationMessages(err)
	if messages == nil {
		return fmt.Errorf("validate bed: %w", err)
	}
	fields := make(map[string][]string, len(messages))
	for loc, msg := range messages {
		fields[loc] = []string{msg}
	}
	return &ValidationError{Fields: fields}
}

// clean copies attrs without transport keys or keys the store treats as immutable.
func clean(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	for _, key := range transportKeys {
		delete(out, key)
	}
	for _, key := range []string{"id", "tenantId", "createdAt", "isArchived", "archivedAt"} {
		delete(out, key)
	}
	return out
}

func mapDocument(doc persistence.Document) Bed {
	return Bed{
		ID:         doc.ID,
		TenantID:   doc.TenantID,
		Attributes: doc.Body,
		IsArchived: doc.IsArchived,
		ArchivedAt: doc.ArchivedAt,
		CreatedBy:  doc.CreatedBy,
		UpdatedBy:  doc.UpdatedBy,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

func translateError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}
