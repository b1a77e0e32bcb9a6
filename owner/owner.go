package owner

import "context"

// Ref is a typed reference to an arbitrary domain entity that can hold
// entitlements, request payments, or consume metered resources. The concrete
// entity lives outside of this module and is loaded through a Resolver.
type Ref struct {
	Type string `json:"type" gorm:"column:type" validate:"required"`
	ID   string `json:"id" gorm:"column:id" validate:"required"`
}

func (r Ref) IsZero() bool {
	return len(r.Type) == 0 && len(r.ID) == 0
}

// Owner is the minimal contract every resolvable owner entity satisfies
type Owner interface {
	OwnerRef() Ref
}

// MetadataAccessor is an optional capability for owners that can persist
// small key/value bookkeeping (e.g. an external customer id for checkout
// reuse). Owners without it degrade gracefully.
type MetadataAccessor interface {
	Metadata(ctx context.Context) (map[string]string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// BillingEmailProvider is an optional capability used as a checkout hint
// when no stored customer id exists
type BillingEmailProvider interface {
	BillingEmail() string
}
