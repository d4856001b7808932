// Package tenant provides the one facade-level check every route needs:
// that the tenant named in a request matches the tenant the caller's
// bearer token was issued for. Every store and engine method scopes its
// own query by tenant_id (spec.md §1 "cross-tenant access forbidden at
// every layer"); this package is the first of those layers, catching a
// mismatch before a single store call is made. Grounded on
// pkg/tenants/isolation.go's boundary-check role, simplified: AsyncGate
// has no need for IsolationChecker's resource-registry bookkeeping since
// every row already carries its own tenant_id and every query already
// filters by it.
package tenant

import "github.com/asyncgate/asyncgate/internal/engine"

// Guard returns engine.ErrCrossTenant if the path tenant and the
// authenticated tenant disagree.
func Guard(pathTenantID, authenticatedTenantID string) error {
	if pathTenantID != authenticatedTenantID {
		return engine.ErrCrossTenant
	}
	return nil
}
