package domain

import "time"

// BindingStatus tracks whether a tenant binding is usable.
type BindingStatus string

const (
	BindingStatusActive      BindingStatus = "active"
	BindingStatusSuspended   BindingStatus = "suspended"
	BindingStatusRevoked     BindingStatus = "revoked"
	BindingStatusNeedsReauth BindingStatus = "needs_reauth"
)

// TenantBinding links an org to one external provider tenant and to the
// grant currently authoritative for it. Unique per (provider, tenant id).
type TenantBinding struct {
	ID            int64
	OrgID         int64
	Provider      string
	TenantID      string
	TenantName    string
	ActiveGrantID int64
	Status        BindingStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
