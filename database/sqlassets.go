package sqlassets

import _ "embed"

//go:embed schema/platform/tenants.sql
var TenantsSQL string

//go:embed schema/tenant_space/users.sql
var UsersSQL string

//go:embed schema/tenant_space/usage_quotas.sql
var UsageQuotasSQL string

//go:embed schema/tenant_space/idempotency_records.sql
var IdempotencyRecordsSQL string

//go:embed schema/tenant_space/audit_records.sql
var AuditRecordsSQL string

//go:embed schema/tenant_space/documents.sql
var DocumentsSQL string

// TenantSpaceSQL lists the partition DDL in application order.
func TenantSpaceSQL() []string {
	return []string{UsersSQL, UsageQuotasSQL, IdempotencyRecordsSQL, AuditRecordsSQL, DocumentsSQL}
}
