package ctlplane

import (
	"github.com/stretchr/testify/mock"
)

// MockControlPlaneClient is a mock implementation of ControlPlaneClient for testing.
type MockControlPlaneClient struct {
	mock.Mock
}

var _ ControlPlaneClient = (*MockControlPlaneClient)(nil)

func (m *MockControlPlaneClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockControlPlaneClient) Status() (*Status, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Status), args.Error(1)
}

func (m *MockControlPlaneClient) Assign(segment, target string) (*SegmentStatus, error) {
	args := m.Called(segment, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SegmentStatus), args.Error(1)
}

func (m *MockControlPlaneClient) Connect(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

func (m *MockControlPlaneClient) Disconnect(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

func (m *MockControlPlaneClient) Ruleset() (*RulesetReply, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RulesetReply), args.Error(1)
}
