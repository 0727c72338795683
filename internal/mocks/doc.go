// Package mocks provides centralized test doubles for the harvest engine.
//
// Ledger is an in-memory database whose store views (Jobs, Tasks, Reviews,
// Entities) implement the store interfaces with the same guarded-update
// semantics as the PostgreSQL stores, so components that coordinate through
// the ledger can be tested together. Each store exposes Fn fields to inject
// failures or races:
//
//	ledger := mocks.NewLedger()
//	ledger.Tasks().ClaimFn = func(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
//	    return false, nil // another worker won
//	}
//
// MockProviderClient is a testify mock of provider.Client; ProviderFunc
// adapts a plain function for scripted provider behavior.
package mocks
