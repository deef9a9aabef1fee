package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/config"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/objectstore"
)

var testCreated = time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

func newTestAgent(t *testing.T) (*Agent, *objectstore.MockClient) {
	t.Helper()

	mock := objectstore.NewMockClient()
	a, err := New(context.Background(), config.Settings{
		Bucket:           "test-bucket",
		Prefix:           "backups/",
		CacheTTL:         time.Minute,
		MaxRetryAttempts: 1,
	}, mock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return a, mock
}

func mustCreate(t *testing.T, a *Agent, id string, created time.Time, data []byte) backup.Record {
	t.Helper()

	record := backup.Record{
		ID:        id,
		Name:      "Backup " + id,
		CreatedAt: created,
		SizeBytes: int64(len(data)),
	}
	got, err := a.Create(context.Background(), record, bytes.NewReader(data))
	require.NoError(t, err)
	return got
}

// TestNewVerifiesBucketAccess tests that construction fails up front
// when the bucket cannot be reached with the given credentials.
func TestNewVerifiesBucketAccess(t *testing.T) {
	mock := objectstore.NewMockClient()
	mock.SetError(fmt.Errorf("%w: access denied", backup.ErrAuthFailure))

	_, err := New(context.Background(), config.Settings{Bucket: "test-bucket"}, mock,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.ErrorIs(t, err, backup.ErrAuthFailure)
}

// TestNewRejectsBadSettings tests that settings validation runs before
// any store traffic.
func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New(context.Background(), config.Settings{}, objectstore.NewMockClient(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.ErrorIs(t, err, backup.ErrInvalidArgument)
}

// TestListEmpty tests listing a bucket with no backups.
func TestListEmpty(t *testing.T) {
	a, _ := newTestAgent(t)

	records, err := a.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

// TestCreateMakesBackupVisible tests the commit path: the new backup
// shows up in List and Get and its object carries the expected key.
func TestCreateMakesBackupVisible(t *testing.T) {
	a, mock := newTestAgent(t)
	ctx := context.Background()

	record := mustCreate(t, a, "b1", testCreated, []byte("archive-bytes"))
	assert.Equal(t, "b1", record.ID)

	assert.True(t, mock.HasObject("backups/20240301T020000Z_b1.tar"))

	records, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record, records[0])

	got, err := a.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

// TestCreateCorrectsDeclaredSize tests that the committed record carries
// the bytes actually stored, not whatever size the caller declared.
func TestCreateCorrectsDeclaredSize(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	data := []byte("sixteen bytes!!!")
	record := backup.Record{ID: "b1", Name: "Undeclared", CreatedAt: testCreated}
	got, err := a.Create(ctx, record, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), got.SizeBytes)

	fromCatalog, err := a.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), fromCatalog.SizeBytes)
}

// TestCreateRejectsInvalidRecord tests that validation failures surface
// before any bytes move.
func TestCreateRejectsInvalidRecord(t *testing.T) {
	a, mock := newTestAgent(t)

	_, err := a.Create(context.Background(), backup.Record{Name: "no id"}, bytes.NewReader(nil))
	assert.ErrorIs(t, err, backup.ErrInvalidArgument)
	assert.Zero(t, mock.PutCalls())
}

// TestFailedCreateLeavesNothing tests that an upload the store rejects
// produces no object and no catalog entry.
func TestFailedCreateLeavesNothing(t *testing.T) {
	a, mock := newTestAgent(t)
	ctx := context.Background()

	mock.SetError(fmt.Errorf("%w: store down", backup.ErrStoreUnavailable))
	record := backup.Record{ID: "b1", Name: "Doomed", CreatedAt: testCreated}
	_, err := a.Create(ctx, record, bytes.NewReader([]byte("payload")))
	assert.ErrorIs(t, err, backup.ErrStoreUnavailable)

	mock.SetError(nil)
	records, err := a.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, mock.ObjectCount())
}

// TestCreateFailsWhenSourceBreaks tests that a broken archive stream is
// reported as a transfer failure and leaves no artifacts.
func TestCreateFailsWhenSourceBreaks(t *testing.T) {
	a, mock := newTestAgent(t)
	ctx := context.Background()

	record := backup.Record{ID: "b1", Name: "Doomed", CreatedAt: testCreated}
	_, err := a.Create(ctx, record, iotest.ErrReader(fmt.Errorf("stream torn down")))
	assert.ErrorIs(t, err, backup.ErrTransferFailed)

	records, err := a.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, mock.ObjectCount())
	assert.Zero(t, mock.UploadCount())
}

// blockingReader parks the upload inside its first Read until released,
// keeping the backup id busy for as long as the test needs.
type blockingReader struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingReader) Read(p []byte) (int, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return 0, io.EOF
}

// TestConcurrentCreateSameIDConflicts tests that a second create for an
// id with an upload in flight fails immediately with a conflict.
func TestConcurrentCreateSameIDConflicts(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	record := backup.Record{ID: "race", Name: "Race", CreatedAt: testCreated}
	source := &blockingReader{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := a.Create(ctx, record, source)
		firstDone <- err
	}()

	<-source.started
	_, err := a.Create(ctx, record, bytes.NewReader([]byte("loser")))
	assert.ErrorIs(t, err, backup.ErrConflict)

	close(source.release)
	require.NoError(t, <-firstDone)

	records, err := a.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// TestCreatesForDistinctIDsRunIndependently tests that unrelated ids do
// not contend.
func TestCreatesForDistinctIDsRunIndependently(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	source := &blockingReader{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	firstDone := make(chan error, 1)
	go func() {
		_, err := a.Create(ctx, backup.Record{ID: "busy", Name: "Busy", CreatedAt: testCreated}, source)
		firstDone <- err
	}()
	<-source.started

	mustCreate(t, a, "free", testCreated.Add(time.Hour), []byte("independent"))

	close(source.release)
	require.NoError(t, <-firstDone)
}

// TestFetchHoldsIDUntilClosed tests that a backup being restored cannot
// be removed or overwritten until its stream is closed.
func TestFetchHoldsIDUntilClosed(t *testing.T) {
	a, mock := newTestAgent(t)
	ctx := context.Background()

	data := []byte("restore-me")
	record := mustCreate(t, a, "b1", testCreated, data)

	stream, err := a.Fetch(ctx, "b1")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Remove(ctx, "b1"), backup.ErrConflict)
	_, err = a.Create(ctx, record, bytes.NewReader(data))
	assert.ErrorIs(t, err, backup.ErrConflict)

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, stream.Close())

	// The id frees up once the stream closes.
	require.NoError(t, a.Remove(ctx, "b1"))
	assert.False(t, mock.HasObject("backups/20240301T020000Z_b1.tar"))

	records, err := a.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	// And the full lifecycle can start over.
	mustCreate(t, a, "b1", testCreated, data)
}

// TestFetchMissingBackup tests the not-found path and that the id lock
// is released on failure.
func TestFetchMissingBackup(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	_, err := a.Fetch(ctx, "ghost")
	assert.ErrorIs(t, err, backup.ErrNotFound)

	mustCreate(t, a, "ghost", testCreated, []byte("materialized"))
}

// TestFetchToFile tests the spooled download path.
func TestFetchToFile(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	data := []byte("spooled-archive")
	mustCreate(t, a, "b1", testCreated, data)

	path := t.TempDir() + "/b1.tar"
	n, err := a.FetchToFile(ctx, "b1", path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The id lock is free again afterwards.
	require.NoError(t, a.Remove(ctx, "b1"))
}

// TestRemoveAbsentIsNoOp tests delete idempotence at the facade level.
func TestRemoveAbsentIsNoOp(t *testing.T) {
	a, mock := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.Remove(ctx, "ghost"))
	assert.Zero(t, mock.DeleteCalls())

	mustCreate(t, a, "b1", testCreated, []byte("short-lived"))
	require.NoError(t, a.Remove(ctx, "b1"))
	require.NoError(t, a.Remove(ctx, "b1"))
	assert.Equal(t, 1, mock.DeleteCalls())
}

// TestRemoveEmptyID tests the argument guard.
func TestRemoveEmptyID(t *testing.T) {
	a, _ := newTestAgent(t)

	assert.ErrorIs(t, a.Remove(context.Background(), ""), backup.ErrInvalidArgument)
}

// TestPruneKeepsNewest tests that prune deletes the oldest backups
// beyond the keep count, protected or not.
func TestPruneKeepsNewest(t *testing.T) {
	a, mock := newTestAgent(t)
	ctx := context.Background()

	for i, id := range []string{"b1", "b2", "b3", "b4"} {
		record := backup.Record{
			ID:        id,
			Name:      "Backup " + id,
			CreatedAt: testCreated.Add(time.Duration(i) * time.Hour),
			Protected: id == "b1",
		}
		_, err := a.Create(ctx, record, bytes.NewReader([]byte("archive")))
		require.NoError(t, err)
	}

	removed, err := a.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b1"}, removed)

	records, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b4", records[0].ID)
	assert.Equal(t, "b3", records[1].ID)
	assert.Equal(t, 2, mock.ObjectCount())

	// Nothing beyond the keep count remains.
	removed, err = a.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

// TestPruneSkipsBusyBackups tests that a backup mid restore survives a
// prune instead of failing it.
func TestPruneSkipsBusyBackups(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	for i, id := range []string{"b1", "b2", "b3"} {
		mustCreate(t, a, id, testCreated.Add(time.Duration(i)*time.Hour), []byte("archive"))
	}

	stream, err := a.Fetch(ctx, "b1")
	require.NoError(t, err)

	removed, err := a.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b3", "b2"}, removed)

	records, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b1", records[0].ID)

	require.NoError(t, stream.Close())

	removed, err = a.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, removed)
}

// TestPruneRejectsNegativeKeep tests the argument guard.
func TestPruneRejectsNegativeKeep(t *testing.T) {
	a, _ := newTestAgent(t)

	_, err := a.Prune(context.Background(), -1)
	assert.ErrorIs(t, err, backup.ErrInvalidArgument)
}

// TestGetMissingBackup tests the not-found path for lookups.
func TestGetMissingBackup(t *testing.T) {
	a, _ := newTestAgent(t)

	_, err := a.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, backup.ErrNotFound)
}
