package firewall

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCommandRunner is a testify mock of CommandRunner. Expectations list
// the command name and every argument flat, with the stdin script first for
// RunInput: On("RunInput", script, "nft", "-f", "-").
type MockCommandRunner struct {
	mock.Mock
}

var _ CommandRunner = (*MockCommandRunner)(nil)

func flatten(lead []any, args []string) []any {
	out := append(make([]any, 0, len(lead)+len(args)), lead...)
	for _, a := range args {
		out = append(out, a)
	}
	return out
}

func (m *MockCommandRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	res := m.Called(flatten([]any{name}, args)...)
	out, _ := res.Get(0).([]byte)
	return out, res.Error(1)
}

func (m *MockCommandRunner) RunInput(_ context.Context, input string, name string, args ...string) error {
	return m.Called(flatten([]any{input, name}, args)...).Error(0)
}
