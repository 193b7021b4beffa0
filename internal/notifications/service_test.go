package notifications

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adminchat/internal/database"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/models"
	"adminchat/internal/retry"
)

type fakeRemote struct {
	mu        sync.Mutex
	items     []models.Notification
	fetchErr  error
	failures  int // calls that fail with a retryable error before succeeding
	fetches   int
	marked    []string
	deleted   []string
	deleteAll int
}

func (f *fakeRemote) Fetch(context.Context) ([]models.Notification, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, 0, f.fetchErr
	}
	return append([]models.Notification(nil), f.items...), 0, nil
}

func (f *fakeRemote) fail() error {
	if f.failures > 0 {
		f.failures--
		return apperrors.NewNetworkError("feed", assert.AnError)
	}
	return nil
}

func (f *fakeRemote) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) DeleteAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.deleteAll++
	return nil
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestService(t *testing.T, remote *fakeRemote) *Service {
	t.Helper()
	store, err := database.New(context.Background(), filepath.Join(t.TempDir(), "n.db"), "", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewService(remote, store, Config{
		PollInterval: 20 * time.Millisecond,
		Retry:        retry.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3},
	}, quietLogger())
}

func note(id string, ago time.Duration) models.Notification {
	return models.Notification{ID: id, Type: "new_report", Title: "System", Body: "report " + id, CreatedAt: time.Now().Add(-ago).UTC().Truncate(time.Millisecond)}
}

func TestPoll_CachesAndReportsNew(t *testing.T) {
	remote := &fakeRemote{items: []models.Notification{note("n1", time.Hour), note("n2", time.Minute)}}
	svc := newTestService(t, remote)
	ctx := context.Background()

	var seen []string
	svc.OnNew = func(items []models.Notification) {
		for _, n := range items {
			seen = append(seen, n.ID)
		}
	}

	fresh, err := svc.Poll(ctx)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	remote.items = append(remote.items, note("n3", 0))
	fresh, err = svc.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "n3", fresh[0].ID)
	assert.Equal(t, []string{"n1", "n2", "n3"}, seen)

	list, err := svc.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, "n3", list[0].ID)

	unread, err := svc.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, unread)
}

func TestPoll_PrunesOldEntries(t *testing.T) {
	remote := &fakeRemote{items: []models.Notification{note("ancient", 90*24*time.Hour), note("n1", 0)}}
	svc := newTestService(t, remote)

	_, err := svc.Poll(context.Background())
	require.NoError(t, err)

	list, err := svc.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "n1", list[0].ID)
}

func TestPoll_FeedErrorLeavesCache(t *testing.T) {
	remote := &fakeRemote{items: []models.Notification{note("n1", 0)}}
	svc := newTestService(t, remote)
	ctx := context.Background()

	_, err := svc.Poll(ctx)
	require.NoError(t, err)

	remote.fetchErr = apperrors.NewNetworkError("feed", assert.AnError)
	_, err = svc.Poll(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNetwork))

	list, err := svc.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkRead_RemoteThenLocal(t *testing.T) {
	remote := &fakeRemote{items: []models.Notification{note("n1", 0)}, failures: 1}
	svc := newTestService(t, remote)
	ctx := context.Background()
	_, err := svc.Poll(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, "n1"))
	assert.Equal(t, []string{"n1"}, remote.marked)

	unread, err := svc.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, unread)

	assert.True(t, apperrors.Is(svc.MarkRead(ctx, ""), apperrors.ErrCodeValidationFailed))
}

func TestMarkRead_RemoteFailureKeepsUnread(t *testing.T) {
	remote := &fakeRemote{items: []models.Notification{note("n1", 0)}, failures: 5}
	svc := newTestService(t, remote)
	ctx := context.Background()
	_, err := svc.Poll(ctx)
	require.NoError(t, err)

	err = svc.MarkRead(ctx, "n1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNetwork))

	unread, err := svc.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestDelete(t *testing.T) {
	remote := &fakeRemote{items: []models.Notification{note("n1", 0), note("n2", 0)}}
	svc := newTestService(t, remote)
	ctx := context.Background()
	_, err := svc.Poll(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "n1"))
	// unknown locally, still removed remotely
	require.NoError(t, svc.Delete(ctx, "never-cached"))
	assert.Equal(t, []string{"n1", "never-cached"}, remote.deleted)

	n, err := svc.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, remote.deleteAll)
}

func TestStartStop(t *testing.T) {
	remote := &fakeRemote{}
	svc := newTestService(t, remote)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.IsRunning())
	assert.Error(t, svc.Start(context.Background()))

	assert.Eventually(t, func() bool { return remote.fetchCount() >= 2 }, time.Second, 5*time.Millisecond)

	svc.Stop()
	assert.False(t, svc.IsRunning())
	svc.Stop()
}
