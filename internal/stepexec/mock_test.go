package stepexec

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fyrsmithlabs/repoflow/internal/llm"
)

// MockModelClient is a testify mock of llm.Client.
type MockModelClient struct {
	mock.Mock
}

func (m *MockModelClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

var _ llm.Client = (*MockModelClient)(nil)
