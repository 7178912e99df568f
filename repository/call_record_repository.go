package repository

import (
	"context"
	"time"

	"github.com/akinalp/medcall/models"
)

// CallRecordRepository persists the broker's call records.
//
// ListByAppointment returns oldest first. CloseOpen ends every ringing or
// answered record, which the broker does at startup: calls that were live when
// it stopped can no longer be signalled.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	Update(ctx context.Context, rec *models.CallRecord) error
	GetByID(ctx context.Context, id string) (*models.CallRecord, error)
	ListByAppointment(ctx context.Context, appointmentID string) ([]models.CallRecord, error)
	ListOpen(ctx context.Context) ([]models.CallRecord, error)
	CloseOpen(ctx context.Context, reason string, endedAt time.Time) (int64, error)
}
