package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"relay-service/internal/models"
	"relay-service/internal/repositories"
	"relay-service/internal/users"
)

type RoomRepositoryMock struct {
	mock.Mock
}

func roomArg(args mock.Arguments) models.Room {
	var room models.Room
	if val := args.Get(0); val != nil {
		room = val.(models.Room)
	}
	return room
}

func (m *RoomRepositoryMock) FindDirectRoom(ctx context.Context, userA, userB int) (models.Room, error) {
	args := m.Called(ctx, userA, userB)
	return roomArg(args), args.Error(1)
}

func (m *RoomRepositoryMock) CreateDirectRoom(ctx context.Context, userA, userB int) (models.Room, error) {
	args := m.Called(ctx, userA, userB)
	return roomArg(args), args.Error(1)
}

func (m *RoomRepositoryMock) FindProjectRoom(ctx context.Context, projectID int) (models.Room, error) {
	args := m.Called(ctx, projectID)
	return roomArg(args), args.Error(1)
}

func (m *RoomRepositoryMock) CreateProjectRoom(ctx context.Context, projectID int, memberIDs []int) (models.Room, error) {
	args := m.Called(ctx, projectID, memberIDs)
	return roomArg(args), args.Error(1)
}

func (m *RoomRepositoryMock) GetRoom(ctx context.Context, roomID int) (models.Room, error) {
	args := m.Called(ctx, roomID)
	return roomArg(args), args.Error(1)
}

func (m *RoomRepositoryMock) IsMember(ctx context.Context, roomID, userID int) (bool, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *RoomRepositoryMock) AddMember(ctx context.Context, roomID, userID int) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *RoomRepositoryMock) RemoveMember(ctx context.Context, roomID, userID int) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *RoomRepositoryMock) DeleteRoom(ctx context.Context, roomID int) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, roomID, senderID int, content string, at time.Time) (models.Message, error) {
	args := m.Called(ctx, roomID, senderID, content, at)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, roomID, limit, beforeID int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, limit, beforeID)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

type ProfileSourceMock struct {
	mock.Mock
}

func (m *ProfileSourceMock) GetProfile(ctx context.Context, userID int) (models.Profile, error) {
	args := m.Called(ctx, userID)
	var p models.Profile
	if val := args.Get(0); val != nil {
		p = val.(models.Profile)
	}
	return p, args.Error(1)
}

var (
	_ repositories.RoomRepository    = (*RoomRepositoryMock)(nil)
	_ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
	_ users.ProfileSource            = (*ProfileSourceMock)(nil)
)
