package ratelimit

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, userId string) (bool, error) {
	args := m.Called(ctx, userId)
	return args.Bool(0), args.Error(1)
}

func (m *MockLimiter) Clear(ctx context.Context, userId string) error {
	args := m.Called(ctx, userId)
	return args.Error(0)
}
