package network

import (
	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a testify mock of Netlinker for error-path tests. Use
// FakeNetlinker when a test needs netlink state to persist between calls.
type MockNetlinker struct {
	mock.Mock
}

var _ Netlinker = (*MockNetlinker)(nil)

// returned extracts result i, treating a nil mock value as the zero value.
func returned[T any](args mock.Arguments, i int) T {
	v, _ := args.Get(i).(T)
	return v
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	return returned[netlink.Link](args, 0), args.Error(1)
}

func (m *MockNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	args := m.Called(index)
	return returned[netlink.Link](args, 0), args.Error(1)
}

func (m *MockNetlinker) LinkList() ([]netlink.Link, error) {
	args := m.Called()
	return returned[[]netlink.Link](args, 0), args.Error(1)
}

func (m *MockNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	args := m.Called(link, family)
	return returned[[]netlink.Addr](args, 0), args.Error(1)
}

func (m *MockNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	args := m.Called(link, family)
	return returned[[]netlink.Route](args, 0), args.Error(1)
}

func (m *MockNetlinker) RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error) {
	args := m.Called(family, filter, filterMask)
	return returned[[]netlink.Route](args, 0), args.Error(1)
}

func (m *MockNetlinker) RouteReplace(route *netlink.Route) error { return m.Called(route).Error(0) }
func (m *MockNetlinker) RouteDel(route *netlink.Route) error     { return m.Called(route).Error(0) }

func (m *MockNetlinker) RuleList(family int) ([]netlink.Rule, error) {
	args := m.Called(family)
	return returned[[]netlink.Rule](args, 0), args.Error(1)
}

func (m *MockNetlinker) RuleAdd(rule *netlink.Rule) error { return m.Called(rule).Error(0) }
func (m *MockNetlinker) RuleDel(rule *netlink.Rule) error { return m.Called(rule).Error(0) }

// MockSystemController is a testify mock of SystemController.
type MockSystemController struct {
	mock.Mock
}

var _ SystemController = (*MockSystemController)(nil)

func (m *MockSystemController) ReadSysctl(path string) (string, error) {
	args := m.Called(path)
	return args.String(0), args.Error(1)
}

func (m *MockSystemController) WriteSysctl(path, value string) error {
	return m.Called(path, value).Error(0)
}

func (m *MockSystemController) IsNotExist(err error) bool {
	return m.Called(err).Bool(0)
}
