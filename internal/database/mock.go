package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRoomRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRoomRepository) GetRoomByCode(code string) (Room, error) {
	args := m.Called(code)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomRepository) GetRoomById(id int64) (Room, error) {
	args := m.Called(id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRoomRepository) ListRecentRooms(limit int) ([]Room, error) {
	args := m.Called(limit)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRoomRepository) GetMessageById(id int64) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRoomRepository) MarkMessageDeleted(id int64, userHash string, at time.Time) (bool, error) {
	args := m.Called(id, userHash, at)
	return args.Bool(0), args.Error(1)
}
func (m *MockRoomRepository) GetMessages(roomId int64, limit int) ([]Message, error) {
	args := m.Called(roomId, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRoomRepository) GetPin(roomId int64) (Pin, error) {
	args := m.Called(roomId)
	return args.Get(0).(Pin), args.Error(1)
}
func (m *MockRoomRepository) UpsertPin(params UpsertPinParams) error {
	args := m.Called(params)
	return args.Error(0)
}
func (m *MockRoomRepository) DeletePin(roomId int64) error {
	args := m.Called(roomId)
	return args.Error(0)
}
func (m *MockRoomRepository) CreateReport(params CreateReportParams) error {
	args := m.Called(params)
	return args.Error(0)
}
func (m *MockRoomRepository) ListReports(limit int) ([]ReportView, error) {
	args := m.Called(limit)
	if reports, ok := args.Get(0).([]ReportView); ok {
		return reports, args.Error(1)
	}
	return nil, args.Error(1)
}
