package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/telecare-go-api/internal/models"
)

// CallRepository persists video call rooms and their lifecycle.
type CallRepository interface {
	Create(ctx context.Context, call *models.VideoCall) error
	FindByRoom(ctx context.Context, roomID string) (models.VideoCall, error)
	FindOpenByAppointment(ctx context.Context, appointmentID string) (models.VideoCall, error)
	ListStaleWaiting(ctx context.Context, createdBefore time.Time, limit int) ([]models.VideoCall, error)
	Save(ctx context.Context, call *models.VideoCall) error
	// SaveIfStatus writes the call's lifecycle fields only while the stored
	// status still equals from. It reports whether the row was updated.
	SaveIfStatus(ctx context.Context, call *models.VideoCall, from models.CallStatus) (bool, error)
}

type callRepository struct {
	db *gorm.DB
}

// NewCallRepository constructs a call repository backed by GORM.
func NewCallRepository(db *gorm.DB) CallRepository {
	return &callRepository{db: db}
}

func (r *callRepository) Create(ctx context.Context, call *models.VideoCall) error {
	return r.db.WithContext(ctx).Create(call).Error
}

func (r *callRepository) FindByRoom(ctx context.Context, roomID string) (models.VideoCall, error) {
	var call models.VideoCall
	if err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&call).Error; err != nil {
		return models.VideoCall{}, err
	}
	return call, nil
}

func (r *callRepository) FindOpenByAppointment(ctx context.Context, appointmentID string) (models.VideoCall, error) {
	var call models.VideoCall
	err := r.db.WithContext(ctx).
		Where("appointment_id = ? AND status IN ?", appointmentID, []models.CallStatus{models.CallStatusWaiting, models.CallStatusActive}).
		Order("created_at DESC").
		First(&call).Error
	if err != nil {
		return models.VideoCall{}, err
	}
	return call, nil
}

func (r *callRepository) ListStaleWaiting(ctx context.Context, createdBefore time.Time, limit int) ([]models.VideoCall, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var calls []models.VideoCall
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.CallStatusWaiting, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&calls).Error; err != nil {
		return nil, err
	}
	return calls, nil
}

func (r *callRepository) Save(ctx context.Context, call *models.VideoCall) error {
	return r.db.WithContext(ctx).Save(call).Error
}

func (r *callRepository) SaveIfStatus(ctx context.Context, call *models.VideoCall, from models.CallStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.VideoCall{}).
		Where("room_id = ? AND status = ?", call.RoomID, from).
		Updates(map[string]interface{}{
			"status":     call.Status,
			"end_reason": call.EndReason,
			"started_at": call.StartedAt,
			"ended_at":   call.EndedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
