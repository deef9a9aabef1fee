package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
)

// MockClient is an in-memory mock implementation of Client for testing.
// Objects and multipart uploads behave like the real store: ETags are
// the hex MD5 of the body, listing is lexicographic, deletes and aborts
// are idempotent.
type MockClient struct {
	mu           sync.Mutex
	objects      map[string]*mockObject
	uploads      map[string]*mockUpload
	nextUploadID int

	errorToReturn error

	partFailures map[int32]int
	partFailErr  error

	putCalls      int
	getCalls      int
	headCalls     int
	listCalls     int
	deleteCalls   int
	startCalls    int
	partCalls     int
	completeCalls int
	abortCalls    int
}

type mockObject struct {
	data         []byte
	etag         string
	metadata     map[string]string
	lastModified time.Time
}

type mockUpload struct {
	key       string
	metadata  map[string]string
	parts     map[int32][]byte
	partETags map[int32]string
	initiated time.Time
}

// NewMockClient creates a new empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		objects:      make(map[string]*mockObject),
		uploads:      make(map[string]*mockUpload),
		partFailures: make(map[int32]int),
	}
}

// SetError configures every subsequent call to fail with err. A nil err
// clears the fault.
func (m *MockClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorToReturn = err
}

// FailPart makes the next `times` uploads of the given part number fail
// with err before succeeding again.
func (m *MockClient) FailPart(number int32, times int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partFailures[number] = times
	m.partFailErr = err
}

// AddObject seeds an object directly into the store.
func (m *MockClient) AddObject(key string, data []byte, metadata map[string]string, lastModified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &mockObject{
		data:         append([]byte(nil), data...),
		etag:         md5Hex(data),
		metadata:     copyMetadata(metadata),
		lastModified: lastModified,
	}
}

// HasObject reports whether an object exists at the key.
func (m *MockClient) HasObject(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// ObjectBytes returns a copy of the stored object body.
func (m *MockClient) ObjectBytes(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// ObjectCount returns the number of stored objects.
func (m *MockClient) ObjectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// UploadCount returns the number of multipart uploads still in progress.
func (m *MockClient) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// Call counters, one per Client operation.
func (m *MockClient) PutCalls() int      { return m.counter(&m.putCalls) }
func (m *MockClient) GetCalls() int      { return m.counter(&m.getCalls) }
func (m *MockClient) HeadCalls() int     { return m.counter(&m.headCalls) }
func (m *MockClient) ListCalls() int     { return m.counter(&m.listCalls) }
func (m *MockClient) DeleteCalls() int   { return m.counter(&m.deleteCalls) }
func (m *MockClient) StartCalls() int    { return m.counter(&m.startCalls) }
func (m *MockClient) PartCalls() int     { return m.counter(&m.partCalls) }
func (m *MockClient) CompleteCalls() int { return m.counter(&m.completeCalls) }
func (m *MockClient) AbortCalls() int    { return m.counter(&m.abortCalls) }

func (m *MockClient) counter(field *int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

// EnsureBucket implements Client.EnsureBucket.
func (m *MockClient) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorToReturn
}

// Put implements Client.Put.
func (m *MockClient) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.errorToReturn != nil {
		return "", m.errorToReturn
	}

	m.objects[key] = &mockObject{
		data:         data,
		etag:         md5Hex(data),
		metadata:     copyMetadata(metadata),
		lastModified: time.Now(),
	}
	return m.objects[key].etag, nil
}

// Get implements Client.Get.
func (m *MockClient) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.errorToReturn != nil {
		return nil, m.errorToReturn
	}

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, backup.ErrNotFound)
	}

	data := obj.data
	if rng != nil {
		start := rng.Start
		if start > int64(len(data)) {
			start = int64(len(data))
		}
		end := int64(len(data)) - 1
		if rng.End >= 0 && rng.End < end {
			end = rng.End
		}
		data = data[start : end+1]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DownloadTo implements Client.DownloadTo.
func (m *MockClient) DownloadTo(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	m.mu.Lock()
	obj, ok := m.objects[key]
	if m.errorToReturn != nil {
		err := m.errorToReturn
		m.mu.Unlock()
		return 0, err
	}
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("download %q: %w", key, backup.ErrNotFound)
	}
	data := append([]byte(nil), obj.data...)
	m.mu.Unlock()

	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

// Head implements Client.Head.
func (m *MockClient) Head(ctx context.Context, key string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headCalls++
	if m.errorToReturn != nil {
		return Object{}, m.errorToReturn
	}

	obj, ok := m.objects[key]
	if !ok {
		return Object{}, fmt.Errorf("head %q: %w", key, backup.ErrNotFound)
	}
	return Object{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ETag:         obj.etag,
			LastModified: obj.lastModified,
		},
		Metadata: copyMetadata(obj.metadata),
	}, nil
}

// List implements Client.List.
func (m *MockClient) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	m.mu.Lock()
	m.listCalls++
	if m.errorToReturn != nil {
		err := m.errorToReturn
		m.mu.Unlock()
		return err
	}

	var infos []ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ETag:         obj.etag,
			LastModified: obj.lastModified,
		})
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements Client.Delete.
func (m *MockClient) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.errorToReturn != nil {
		return m.errorToReturn
	}
	delete(m.objects, key)
	return nil
}

// StartMultipart implements Client.StartMultipart.
func (m *MockClient) StartMultipart(ctx context.Context, key string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.errorToReturn != nil {
		return "", m.errorToReturn
	}

	m.nextUploadID++
	id := fmt.Sprintf("upload-%d", m.nextUploadID)
	m.uploads[id] = &mockUpload{
		key:       key,
		metadata:  copyMetadata(metadata),
		parts:     make(map[int32][]byte),
		partETags: make(map[int32]string),
		initiated: time.Now(),
	}
	return id, nil
}

// UploadPart implements Client.UploadPart.
func (m *MockClient) UploadPart(ctx context.Context, key, uploadID string, number int32, body io.ReadSeeker, size int64) (Part, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Part{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.partCalls++
	if m.errorToReturn != nil {
		return Part{}, m.errorToReturn
	}
	if remaining := m.partFailures[number]; remaining > 0 {
		m.partFailures[number] = remaining - 1
		return Part{}, m.partFailErr
	}

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return Part{}, fmt.Errorf("upload %q: %w", uploadID, backup.ErrNotFound)
	}
	upload.parts[number] = data
	upload.partETags[number] = md5Hex(data)
	return Part{Number: number, ETag: upload.partETags[number], Size: int64(len(data))}, nil
}

// CompleteMultipart implements Client.CompleteMultipart.
func (m *MockClient) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	if m.errorToReturn != nil {
		return "", m.errorToReturn
	}

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return "", fmt.Errorf("upload %q: %w", uploadID, backup.ErrNotFound)
	}

	var data []byte
	for _, p := range parts {
		stored, ok := upload.parts[p.Number]
		if !ok || upload.partETags[p.Number] != p.ETag {
			return "", fmt.Errorf("complete %q: invalid part %d", key, p.Number)
		}
		data = append(data, stored...)
	}

	etag := fmt.Sprintf("%s-%d", md5Hex(data), len(parts))
	m.objects[key] = &mockObject{
		data:         data,
		etag:         etag,
		metadata:     upload.metadata,
		lastModified: time.Now(),
	}
	delete(m.uploads, uploadID)
	return etag, nil
}

// AbortMultipart implements Client.AbortMultipart.
func (m *MockClient) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortCalls++
	if m.errorToReturn != nil {
		return m.errorToReturn
	}
	delete(m.uploads, uploadID)
	return nil
}

// ListMultipartUploads implements Client.ListMultipartUploads.
func (m *MockClient) ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errorToReturn != nil {
		return nil, m.errorToReturn
	}

	var uploads []MultipartUpload
	for id, u := range m.uploads {
		if !strings.HasPrefix(u.key, prefix) {
			continue
		}
		uploads = append(uploads, MultipartUpload{
			Key:       u.key,
			UploadID:  id,
			Initiated: u.initiated,
		})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Key < uploads[j].Key })
	return uploads, nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func copyMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
