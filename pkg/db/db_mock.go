package db

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockOperations struct {
	mock.Mock
}

func (_m *MockOperations) SetMetadata(metadata Metadata) error {
	ret := _m.Called(metadata)
	return ret.Error(0)
}

func (_m *MockOperations) GetCursor() (time.Time, bool, error) {
	ret := _m.Called()
	ret0 := ret.Get(0)
	if ret0 == nil {
		return time.Time{}, false, ret.Error(2)
	}
	cursor, ok := ret0.(time.Time)
	if !ok {
		return time.Time{}, false, ret.Error(2)
	}
	return cursor, ret.Bool(1), ret.Error(2)
}

func (_m *MockOperations) SetCursor(cursor time.Time) error {
	ret := _m.Called(cursor)
	return ret.Error(0)
}

func (_m *MockOperations) ReplaceFailures(failures []Failure) error {
	ret := _m.Called(failures)
	return ret.Error(0)
}

func (_m *MockOperations) ListFailures() ([]Failure, error) {
	ret := _m.Called()
	ret0 := ret.Get(0)
	if ret0 == nil {
		return nil, ret.Error(1)
	}
	failures, ok := ret0.([]Failure)
	if !ok {
		return nil, ret.Error(1)
	}
	return failures, ret.Error(1)
}
