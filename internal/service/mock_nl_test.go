package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockNLService is a mock implementation of domain.NLService
type MockNLService struct {
	mock.Mock
}

func (m *MockNLService) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	args := m.Called(ctx, prompt, maxTokens, temperature)
	return args.String(0), args.Error(1)
}

func (m *MockNLService) ExtractStructured(ctx context.Context, prompt string, schemaHint map[string]any, timeout time.Duration) (map[string]any, error) {
	args := m.Called(ctx, prompt, schemaHint, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}
