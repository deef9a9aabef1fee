package cucumber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cucumber/godog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/agent"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/config"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/objectstore"
)

const (
	minioImage    = "minio/minio:RELEASE.2024-01-16T16-07-38Z"
	minioUsername = "minioadmin"
	minioPassword = "minioadmin"

	scenarioChunkSize = 5 * 1024 * 1024
)

// One MinIO container serves the whole suite; every scenario gets its
// own bucket inside it.
var (
	suiteContainer *minio.MinioContainer
	suiteEndpoint  string
	bucketSeq      atomic.Int64
)

// TestContext holds the state one scenario accumulates.
type TestContext struct {
	ctx      context.Context
	agent    *agent.Agent
	store    *objectstore.S3Store
	archives map[string][]byte
	raceErrs []error
}

// NewTestContext creates a new test context
func NewTestContext() *TestContext {
	return &TestContext{
		ctx:      context.Background(),
		archives: make(map[string][]byte),
	}
}

// InitializeTestSuite initializes the cucumber test suite
func InitializeTestSuite(ctx *godog.TestSuiteContext) {
	ctx.BeforeSuite(func() {
		fmt.Println("Starting backup agent integration tests")

		container, err := minio.Run(context.Background(), minioImage,
			minio.WithUsername(minioUsername),
			minio.WithPassword(minioPassword),
		)
		if err != nil {
			panic(fmt.Sprintf("failed to start MinIO container: %v", err))
		}
		suiteContainer = container

		endpoint, err := container.ConnectionString(context.Background())
		if err != nil {
			panic(fmt.Sprintf("failed to resolve MinIO endpoint: %v", err))
		}
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "http://" + endpoint
		}
		suiteEndpoint = endpoint
	})

	ctx.AfterSuite(func() {
		if suiteContainer != nil {
			if err := testcontainers.TerminateContainer(suiteContainer); err != nil {
				fmt.Printf("failed to terminate MinIO container: %v\n", err)
			}
		}
		fmt.Println("Finished backup agent integration tests")
	})
}

// InitializeScenario initializes each cucumber scenario
func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := NewTestContext()

	// Setup steps
	ctx.Step(`^an empty backup bucket$`, tc.anEmptyBackupBucket)

	// Action steps
	ctx.Step(`^I create a backup "([^"]*)" named "([^"]*)" with (\d+) bytes of archive data$`, tc.createBackup)
	ctx.Step(`^I remove backup "([^"]*)"$`, tc.removeBackup)
	ctx.Step(`^two uploads race to create backup "([^"]*)" with (\d+) bytes of archive data$`, tc.raceCreates)

	// Verification steps
	ctx.Step(`^listing backups returns exactly one record with id "([^"]*)" and size (\d+)$`, tc.listReturnsOne)
	ctx.Step(`^listing backups returns no records$`, tc.listReturnsNone)
	ctx.Step(`^fetching backup "([^"]*)" streams back the same archive bytes$`, tc.fetchMatches)
	ctx.Step(`^getting backup "([^"]*)" fails with not found$`, tc.getFailsNotFound)
	ctx.Step(`^no multipart uploads are left behind$`, tc.noMultipartLeftovers)
	ctx.Step(`^exactly one of the uploads succeeds$`, tc.exactlyOneSucceeded)
}

// anEmptyBackupBucket provisions a fresh bucket and an agent over it.
func (tc *TestContext) anEmptyBackupBucket() error {
	bucket := fmt.Sprintf("lifecycle-%d", bucketSeq.Add(1))

	s3Client := s3.New(s3.Options{
		BaseEndpoint: aws.String(suiteEndpoint),
		Region:       "us-east-1",
		Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     minioUsername,
				SecretAccessKey: minioPassword,
			}, nil
		}),
		UsePathStyle: true,
	})
	if _, err := s3Client.CreateBucket(tc.ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	store, err := objectstore.NewS3Store(tc.ctx, objectstore.Config{
		Endpoint:        suiteEndpoint,
		Region:          "us-east-1",
		Bucket:          bucket,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build store client: %w", err)
	}
	tc.store = store

	backupAgent, err := agent.New(tc.ctx, config.Settings{
		Endpoint:        suiteEndpoint,
		Region:          "us-east-1",
		Bucket:          bucket,
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
		Prefix:          "backups/",
		ChunkSize:       scenarioChunkSize,
	}, store, logger)
	if err != nil {
		return fmt.Errorf("failed to build agent: %w", err)
	}
	tc.agent = backupAgent
	return nil
}

// testArchive produces position-dependent bytes so any reordering or
// truncation shows up as a content mismatch.
func testArchive(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func (tc *TestContext) createBackup(id, name string, size int) error {
	data := testArchive(size)
	tc.archives[id] = data

	record := backup.Record{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		SizeBytes: int64(size),
	}
	if _, err := tc.agent.Create(tc.ctx, record, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to create backup %s: %w", id, err)
	}
	return nil
}

func (tc *TestContext) removeBackup(id string) error {
	return tc.agent.Remove(tc.ctx, id)
}

func (tc *TestContext) listReturnsOne(id string, size int) error {
	records, err := tc.agent.List(tc.ctx)
	if err != nil {
		return err
	}
	if len(records) != 1 {
		return fmt.Errorf("expected exactly one backup, got %d", len(records))
	}
	if records[0].ID != id {
		return fmt.Errorf("expected backup id %q, got %q", id, records[0].ID)
	}
	if records[0].SizeBytes != int64(size) {
		return fmt.Errorf("expected size %d, got %d", size, records[0].SizeBytes)
	}
	return nil
}

func (tc *TestContext) listReturnsNone() error {
	records, err := tc.agent.List(tc.ctx)
	if err != nil {
		return err
	}
	if len(records) != 0 {
		return fmt.Errorf("expected no backups, got %d", len(records))
	}
	return nil
}

func (tc *TestContext) fetchMatches(id string) error {
	stream, err := tc.agent.Fetch(tc.ctx, id)
	if err != nil {
		return err
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("failed to read backup stream: %w", err)
	}
	want := tc.archives[id]
	if !bytes.Equal(got, want) {
		return fmt.Errorf("fetched %d bytes that do not match the %d uploaded", len(got), len(want))
	}
	return nil
}

func (tc *TestContext) getFailsNotFound(id string) error {
	_, err := tc.agent.Get(tc.ctx, id)
	if err == nil {
		return fmt.Errorf("expected a not-found error for %q, got none", id)
	}
	if !errors.Is(err, backup.ErrNotFound) {
		return fmt.Errorf("expected a not-found error for %q, got: %v", id, err)
	}
	return nil
}

func (tc *TestContext) noMultipartLeftovers() error {
	uploads, err := tc.store.ListMultipartUploads(tc.ctx, "backups/")
	if err != nil {
		return err
	}
	if len(uploads) != 0 {
		return fmt.Errorf("%d multipart uploads remain in the bucket", len(uploads))
	}
	return nil
}

// gatedReader blocks its first Read until released, guaranteeing the
// two racing uploads overlap in time.
type gatedReader struct {
	inner   io.Reader
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.inner.Read(p)
}

func (tc *TestContext) raceCreates(id string, size int) error {
	data := testArchive(size)
	tc.archives[id] = data

	record := backup.Record{
		ID:        id,
		Name:      "Race " + id,
		CreatedAt: time.Now().UTC(),
		SizeBytes: int64(size),
	}

	source := &gatedReader{
		inner:   bytes.NewReader(data),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := tc.agent.Create(tc.ctx, record, source)
		firstDone <- err
	}()

	// Wait until the first upload holds the id, then contend with it.
	<-source.started
	_, secondErr := tc.agent.Create(tc.ctx, record, bytes.NewReader(data))
	close(source.release)

	tc.raceErrs = []error{<-firstDone, secondErr}
	return nil
}

func (tc *TestContext) exactlyOneSucceeded() error {
	if len(tc.raceErrs) != 2 {
		return fmt.Errorf("expected two upload results, got %d", len(tc.raceErrs))
	}

	var successes int
	var conflictSeen bool
	for _, err := range tc.raceErrs {
		if err == nil {
			successes++
			continue
		}
		if errors.Is(err, backup.ErrConflict) {
			conflictSeen = true
		}
	}

	if successes != 1 {
		return fmt.Errorf("expected exactly one successful upload, got %d (%v)", successes, tc.raceErrs)
	}
	if !conflictSeen {
		return fmt.Errorf("the losing upload did not report a conflict: %v", tc.raceErrs)
	}
	return nil
}
