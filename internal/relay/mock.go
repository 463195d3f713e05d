package relay

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, ev Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) HandleRelayEvent(ev Event) {
	m.Called(ev)
}
