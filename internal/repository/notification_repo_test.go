package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/telecare-go-api/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Notification{}, &models.VideoCall{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedNotification(t *testing.T, db *gorm.DB, userID, title string, read bool, createdAt time.Time) models.Notification {
	t.Helper()

	notification := models.Notification{
		UserID:    userID,
		Title:     title,
		Message:   title + " message",
		Type:      models.NotificationGeneral,
		Read:      read,
		CreatedAt: createdAt,
	}
	require.NoError(t, db.Create(&notification).Error)
	return notification
}

func TestNotificationRepositoryListByUserOrdersNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationRepository(db)
	now := time.Now()

	seedNotification(t, db, "patient-1", "oldest", false, now.Add(-2*time.Hour))
	seedNotification(t, db, "patient-1", "newest", true, now)
	seedNotification(t, db, "patient-1", "middle", false, now.Add(-time.Hour))
	seedNotification(t, db, "patient-2", "other user", false, now)

	items, err := repo.ListByUser(context.Background(), "patient-1", 0, 0, false)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "newest", items[0].Title)
	require.Equal(t, "middle", items[1].Title)
	require.Equal(t, "oldest", items[2].Title)

	unread, err := repo.ListByUser(context.Background(), "patient-1", 10, 0, true)
	require.NoError(t, err)
	require.Len(t, unread, 2)

	page, err := repo.ListByUser(context.Background(), "patient-1", 1, 1, false)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "middle", page[0].Title)
}

func TestNotificationRepositoryMarkReadIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	created := seedNotification(t, db, "doctor-1", "booked", false, time.Now())

	first, err := repo.MarkRead(ctx, created.ID, "doctor-1")
	require.NoError(t, err)
	require.True(t, first.Read)

	second, err := repo.MarkRead(ctx, created.ID, "doctor-1")
	require.NoError(t, err)
	require.True(t, second.Read)

	count, err := repo.CountUnread(ctx, "doctor-1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestNotificationRepositoryMarkReadScopesToOwner(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationRepository(db)

	created := seedNotification(t, db, "doctor-1", "booked", false, time.Now())

	_, err := repo.MarkRead(context.Background(), created.ID, "doctor-2")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestNotificationRepositoryMarkAllRead(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()

	seedNotification(t, db, "patient-1", "a", false, time.Now())
	seedNotification(t, db, "patient-1", "b", false, time.Now())
	seedNotification(t, db, "patient-1", "c", true, time.Now())
	seedNotification(t, db, "patient-2", "d", false, time.Now())

	updated, err := repo.MarkAllRead(ctx, "patient-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), updated)

	count, err := repo.CountUnread(ctx, "patient-1")
	require.NoError(t, err)
	require.Zero(t, count)

	other, err := repo.CountUnread(ctx, "patient-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), other)
}

func TestNotificationRepositoryStoresData(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationRepository(db)

	notification := models.Notification{
		UserID:  "patient-1",
		Title:   "Cancelled",
		Message: "Your appointment was cancelled",
		Type:    models.NotificationAppointmentCancelled,
		Data:    map[string]interface{}{"appointmentId": "apt-1", "refundAmount": 40.5},
	}
	require.NoError(t, repo.Create(context.Background(), &notification))

	found, err := repo.FindByID(context.Background(), notification.ID)
	require.NoError(t, err)
	require.Equal(t, "apt-1", found.Data["appointmentId"])
	require.InDelta(t, 40.5, found.Data["refundAmount"], 0.001)
}
