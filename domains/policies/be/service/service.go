package service

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/hospital-ops-core/domains/policies/be/repo"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/audit"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/persistence"
	"github.com/zenGate-Global/hospital-ops-core/platform/go/tenant"
)

//go:embed policy.schema.json
var policySchema []byte

// AuditEntity is the audit entity type of policy mutations.
const AuditEntity = "sam_policy"

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError captures input validation problems surfaced by the service.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

var (
	ErrNotFound = errors.New("policy not found")
	ErrConflict = errors.New("policy code already exists")
)

// Policy is a published policy document.
type Policy struct {
	ID            string
	TenantID      string
	Code          string
	Title         string
	Category      string
	Content       string
	Version       string
	EffectiveDate string
	Tags          []string
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateInput is the payload of a new policy.
type CreateInput struct {
	Code          string
	Title         string
	Category      string
	Content       string
	Version       string
	EffectiveDate string
	Tags          []string
}

// SearchInput narrows Search. Query is matched against the full policy text.
type SearchInput struct {
	Query    string
	Category string
	Limit    int
	Offset   int
}

// SearchResult is a page of policies.
type SearchResult struct {
	Items      []Policy
	TotalItems int
	Limit      int
	Offset     int
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Auditor records policy mutations.
type Auditor interface {
	Record(ctx context.Context, space tenant.Space, entry audit.Entry, fn func(ctx context.Context) (any, error)) error
}

// Service exposes the tenant policy library.
type Service interface {
	Create(ctx context.Context, space tenant.Space, actor string, input CreateInput) (Policy, error)
	Search(ctx context.Context, space tenant.Space, input SearchInput) (SearchResult, error)
	Get(ctx context.Context, space tenant.Space, id string) (Policy, error)
}

type service struct {
	repo      repo.Repository
	validator *persistence.DocumentValidator
	audit     Auditor
}

// New builds the policy Service and registers the policy schema with validator.
func New(r repo.Repository, validator *persistence.DocumentValidator, auditor Auditor) (Service, error) {
	if r == nil {
		return nil, errors.New("policy repository is required")
	}
	if validator == nil || auditor == nil {
		return nil, errors.New("validator and auditor are required")
	}
	if err := validator.Register(repo.PoliciesCollection, policySchema); err != nil {
		return nil, err
	}
	return &service{repo: r, validator: validator, audit: auditor}, nil
}

func (s *service) Create(ctx context.Context, space tenant.Space, actor string, input CreateInput) (Policy, error) {
	body := map[string]any{
		"code":     strings.ToUpper(strings.TrimSpace(input.Code)),
		"title":    strings.TrimSpace(input.Title),
		"category": strings.TrimSpace(input.Category),
		"content":  input.Content,
	}
	if v := strings.TrimSpace(input.Version); v != "" {
		body["version"] = v
	}
	if v := strings.TrimSpace(input.EffectiveDate); v != "" {
		if _, err := time.Parse(time.DateOnly, v); err != nil {
			return Policy{}, &ValidationError{Fields: FieldErrors{"effectiveDate": {"must be a calendar date (YYYY-MM-DD)"}}}
		}
		body["effectiveDate"] = v
	}
	if len(input.Tags) > 0 {
		tags := make([]any, 0, len(input.Tags))
		for _, tag := range input.Tags {
			tags = append(tags, strings.TrimSpace(tag))
		}
		body["tags"] = tags
	}

	if err := s.validator.Validate(repo.PoliciesCollection, body); err != nil {
		messages := persistence.ValidationMessages(err)
		if messages == nil {
			return Policy{}, fmt.Errorf("validate policy: %w", err)
		}
		fields := make(FieldErrors, len(messages))
		for loc, msg := range messages {
			field := strings.TrimPrefix(loc, "/")
			if field == "" {
				field = "body"
			}
			fields[field] = append(fields[field], msg)
		}
		return Policy{}, &ValidationError{Fields: fields}
	}

	_, total, err := s.repo.List(ctx, space, persistence.DocumentQuery{
		Filter: persistence.Predicate{"code": body["code"]},
		Limit:  1,
	})
	if err != nil {
		return Policy{}, err
	}
	if total > 0 {
		return Policy{}, ErrConflict
	}

	id := uuid.NewString()
	var stored persistence.Document
	err = s.audit.Record(ctx, space, audit.Entry{EntityType: AuditEntity, EntityID: id, Action: "create", After: body},
		func(ctx context.Context) (any, error) {
			doc, _, err := s.repo.Insert(ctx, space, persistence.Document{ID: id, Body: body, CreatedBy: actor})
			if err != nil {
				return nil, err
			}
			stored = doc
			return doc.Body, nil
		})
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return Policy{}, ErrConflict
		}
		return Policy{}, err
	}
	return mapDocument(stored), nil
}

func (s *service) Search(ctx context.Context, space tenant.Space, input SearchInput) (SearchResult, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	filter := persistence.Predicate{}
	if c := strings.TrimSpace(input.Category); c != "" {
		filter["category"] = c
	}

	docs, total, err := s.repo.List(ctx, space, persistence.DocumentQuery{
		Filter: filter,
		Search: strings.TrimSpace(input.Query),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return SearchResult{}, err
	}

	items := make([]Policy, 0, len(docs))
	for _, doc := range docs {
		items = append(items, mapDocument(doc))
	}
	return SearchResult{Items: items, TotalItems: total, Limit: limit, Offset: offset}, nil
}

func (s *service) Get(ctx context.Context, space tenant.Space, id string) (Policy, error) {
	if strings.TrimSpace(id) == "" {
		return Policy{}, ErrNotFound
	}
	doc, err := s.repo.Get(ctx, space, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Policy{}, ErrNotFound
		}
		return Policy{}, err
	}
	return mapDocument(doc), nil
}

func mapDocument(doc persistence.Document) Policy {
	p := Policy{
		ID:        doc.ID,
		TenantID:  doc.TenantID,
		CreatedBy: doc.CreatedBy,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	p.Code, _ = doc.Body["code"].(string)
	p.Title, _ = doc.Body["title"].(string)
	p.Category, _ = doc.Body["category"].(string)
	p.Content, _ = doc.Body["content"].(string)
	p.Version, _ = doc.Body["version"].(string)
	p.EffectiveDate, _ = doc.Body["effectiveDate"].(string)
	switch tags := doc.Body["tags"].(type) {
	case []string:
		p.Tags = tags
	case []any:
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				p.Tags = append(p.Tags, s)
			}
		}
	}
	return p
}
