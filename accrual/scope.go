/*
scope.go - Tenant scope guard

PURPOSE:
  Every engine entry point resolves its obligor through this guard. A call
  whose obligor does not belong to the caller's tenant fails exactly like a
  call for an obligor that does not exist - cross-tenant reads must not even
  reveal existence, because a cross-tenant write would corrupt another
  tenant's aggregates.
*/
package accrual

import "context"

// Scope identifies the caller for every engine operation.
type Scope struct {
	TenantID TenantID
	ActorID  *string // nil for system jobs (backfill)
}

// SystemScope is the scope backfill and other internal jobs run under.
func SystemScope(tenantID TenantID) Scope {
	return Scope{TenantID: tenantID, ActorID: nil}
}

// UserScope is the scope of an authenticated caller.
func UserScope(tenantID TenantID, actorID string) Scope {
	return Scope{TenantID: tenantID, ActorID: &actorID}
}

// resolveObligor loads an obligor and verifies it belongs to the caller's
// tenant. Missing and foreign-tenant obligors both return ErrAccessDenied.
func resolveObligor(ctx context.Context, s Store, scope Scope, id ObligorID) (*Obligor, error) {
	o, err := s.GetObligor(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil || o.TenantID != scope.TenantID {
		return nil, ErrAccessDenied
	}
	return o, nil
}

// resolveTransaction loads a payment and verifies tenancy the same way.
func resolveTransaction(ctx context.Context, s Store, scope Scope, id TransactionID) (*PaymentTransaction, error) {
	tx, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil || tx.TenantID != scope.TenantID {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}
