package mocks

import (
	"context"

	"github.com/dukex/leadflow/pkg/delivery"
	"github.com/dukex/leadflow/pkg/drafting"
	"github.com/stretchr/testify/mock"
)

// MockDrafter is a mock implementation of drafting.Drafter interface.
type MockDrafter struct {
	mock.Mock
}

func (m *MockDrafter) Draft(ctx context.Context, req drafting.Request) (drafting.Draft, error) {
	args := m.Called(ctx, req)

	return args.Get(0).(drafting.Draft), args.Error(1)
}

// MockMailer is a mock implementation of delivery.Mailer interface.
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, msg delivery.Message) error {
	args := m.Called(ctx, msg)

	return args.Error(0)
}

var (
	_ drafting.Drafter = (*MockDrafter)(nil)
	_ delivery.Mailer  = (*MockMailer)(nil)
)
