package ws

import (
	"time"

	"relay-service/internal/observability"
)

type ConnInfo struct {
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) identity(connID string, userID int) observability.ConnIdentity {
	return observability.ConnIdentity{
		ConnID:      connID,
		UserID:      userID,
		DeviceID:    i.DeviceID,
		IP:          i.IP,
		RequestID:   i.RequestID,
		TraceID:     i.TraceID,
		ConnectedAt: i.ConnectedAt,
	}
}
