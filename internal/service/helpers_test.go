package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/telecare-go-api/internal/models"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func setupServiceDB(t *testing.T) *gorm.DB {
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

type pushRecord struct {
	UserID  string
	Event   string
	Payload interface{}
}

type recordingNotifier struct {
	mu       sync.Mutex
	pushes   []pushRecord
	admitted map[string]map[string]bool
	revoked  []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{admitted: make(map[string]map[string]bool)}
}

func (r *recordingNotifier) PushToUser(_ context.Context, userID, event string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushRecord{UserID: userID, Event: event, Payload: payload})
	return nil
}

func (r *recordingNotifier) Admit(_ context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admitted[roomID] == nil {
		r.admitted[roomID] = make(map[string]bool)
	}
	r.admitted[roomID][userID] = true
	return nil
}

func (r *recordingNotifier) Revoke(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.admitted, roomID)
	r.revoked = append(r.revoked, roomID)
	return nil
}

func (r *recordingNotifier) isAdmitted(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitted[roomID][userID]
}

func (r *recordingNotifier) pushesTo(userID, event string) []pushRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []pushRecord
	for _, push := range r.pushes {
		if push.UserID == userID && push.Event == event {
			out = append(out, push)
		}
	}
	return out
}
