package mocks

import (
	"context"

	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/stretchr/testify/mock"
)

// MockProviderClient is a testify mock of provider.Client. When the call
// carries an onStart callback it is invoked with the handle of the returned
// page, or "run-pending" when the call fails.
type MockProviderClient struct {
	mock.Mock
}

var _ provider.Client = (*MockProviderClient)(nil)

// FetchReviews is a mock implementation of provider.Client.FetchReviews
func (m *MockProviderClient) FetchReviews(
	ctx context.Context,
	req provider.Request,
	onStart provider.StartFunc,
) (*provider.Page, error) {
	args := m.Called(ctx, req)
	page, _ := args.Get(0).(*provider.Page)
	if onStart != nil {
		handle := "run-pending"
		if page != nil && page.Handle != "" {
			handle = page.Handle
		}
		onStart(ctx, handle)
	}
	return page, args.Error(1)
}

// ProviderFunc adapts a function to provider.Client.
type ProviderFunc func(ctx context.Context, req provider.Request, onStart provider.StartFunc) (*provider.Page, error)

// FetchReviews implements provider.Client.
func (f ProviderFunc) FetchReviews(
	ctx context.Context,
	req provider.Request,
	onStart provider.StartFunc,
) (*provider.Page, error) {
	return f(ctx, req, onStart)
}
