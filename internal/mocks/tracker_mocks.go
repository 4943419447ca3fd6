package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"locshare/internal/models"
	"locshare/internal/ownership"
	"locshare/pkg/gmls"
)

// MockLocationAPI is a mock implementation of the services.LocationAPI interface
type MockLocationAPI struct {
	mock.Mock
}

func (m *MockLocationAPI) LoadCookies(path string) error {
	args := m.Called(path)
	return args.Error(0)
}

func (m *MockLocationAPI) SaveCookies(path string) error {
	args := m.Called(path)
	return args.Error(0)
}

func (m *MockLocationAPI) CookiesChanged() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockLocationAPI) CookiesExpiration() (time.Time, bool) {
	args := m.Called()
	return args.Get(0).(time.Time), args.Bool(1)
}

func (m *MockLocationAPI) Fetch(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockLocationAPI) People(includeAccount bool) ([]gmls.Person, error) {
	args := m.Called(includeAccount)
	if people := args.Get(0); people != nil {
		return people.([]gmls.Person), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLocationAPI) Close() {
	m.Called()
}

// MockPublisher is a mock implementation of the services.Publisher interface
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishTrackerConfig(uid models.UniqueID, name string) error {
	args := m.Called(uid, name)
	return args.Error(0)
}

func (m *MockPublisher) PublishPerson(uid models.UniqueID, person models.PersonData) error {
	args := m.Called(uid, person)
	return args.Error(0)
}

func (m *MockPublisher) RemoveTracker(uid models.UniqueID) error {
	args := m.Called(uid)
	return args.Error(0)
}

func (m *MockPublisher) PublishSensorConfig(cid models.ConfigID, title string) error {
	args := m.Called(cid, title)
	return args.Error(0)
}

func (m *MockPublisher) PublishSessionValid(cid models.ConfigID, valid bool) error {
	args := m.Called(cid, valid)
	return args.Error(0)
}

func (m *MockPublisher) PublishCookieNotice(cid models.ConfigID, message string) error {
	args := m.Called(cid, message)
	return args.Error(0)
}

// MockEntityStore is a mock implementation of the services.EntityStore interface
type MockEntityStore struct {
	mock.Mock
}

func (m *MockEntityStore) Save(ent ownership.Entity) error {
	args := m.Called(ent)
	return args.Error(0)
}

func (m *MockEntityStore) SaveLocation(uid models.UniqueID, loc *models.LocationData) error {
	args := m.Called(uid, loc)
	return args.Error(0)
}

func (m *MockEntityStore) Delete(uid models.UniqueID) error {
	args := m.Called(uid)
	return args.Error(0)
}
