package backup

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Streams []string `json:"streams"`
}

func newFileService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	require.NoError(t, err)
	return NewService(storage, "directory"), dir
}

func clockAt(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func TestService_CreateAndLoad(t *testing.T) {
	svc, dir := newFileService(t)
	ctx := context.Background()
	svc.now = clockAt(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC))

	name, err := svc.Create(ctx, payload{Streams: []string{"s1", "s2"}})
	require.NoError(t, err)
	assert.Equal(t, "directory-20260301T123000.000Z.json", name)

	_, err = os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)

	var got payload
	require.NoError(t, svc.Load(ctx, name, &got))
	assert.Equal(t, []string{"s1", "s2"}, got.Streams)
}

func TestService_LoadRejectsForeignNames(t *testing.T) {
	svc, _ := newFileService(t)

	var got payload
	err := svc.Load(context.Background(), "../etc/passwd", &got)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestService_ListSortsOldestFirstAndSkipsStrangers(t *testing.T) {
	svc, dir := newFileService(t)
	ctx := context.Background()
	svc.now = clockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	var names []string
	for i := 0; i < 3; i++ {
		name, err := svc.Create(ctx, payload{})
		require.NoError(t, err)
		names = append(names, name)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "directory-notes.txt"), []byte("x"), 0o600))

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, names[i], e.Name)
	}

	latest, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, names[2], latest.Name)
}

func TestService_Prune(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()
	svc.now = clockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, payload{})
		require.NoError(t, err)
	}

	removed, err := svc.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "directory-20260301T000004.000Z.json", entries[1].Name)

	removed, err = svc.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestService_LatestWithoutBackups(t *testing.T) {
	svc, _ := newFileService(t)
	_, err := svc.Latest(context.Background())
	assert.Error(t, err)
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.Save(ctx, "test.json", strings.NewReader("test data")))

	r, err := storage.Load(ctx, "test.json")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "test data", string(data))

	files, err := storage.List(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"test.json"}, files)

	require.NoError(t, storage.Delete(ctx, "test.json"))
	_, err = storage.Load(ctx, "test.json")
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.ErrorIs(t, storage.Save(ctx, "../escape.json", strings.NewReader("x")), ErrInvalidName)
	assert.ErrorIs(t, storage.Save(ctx, "", strings.NewReader("x")), ErrInvalidName)
}

// fakeS3 serves the path-style subset of the S3 API the storage uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: bucket, Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{Key: k, Size: len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestS3Storage_RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	storage, err := NewS3Storage(ctx, S3Config{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "backups",
		Prefix:          "/airwave/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	svc := NewService(storage, "directory")
	svc.now = clockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	name, err := svc.Create(ctx, payload{Streams: []string{"s1"}})
	require.NoError(t, err)
	fake.mu.Lock()
	assert.Contains(t, fake.objects, "airwave/"+name)
	fake.mu.Unlock()

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, name, entries[0].Name)

	var got payload
	require.NoError(t, svc.Load(ctx, name, &got))
	assert.Equal(t, []string{"s1"}, got.Streams)

	require.NoError(t, svc.Delete(ctx, name))
	_, err = storage.Load(ctx, name)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewS3Storage_RequiresBucket(t *testing.T) {
	_, err := NewS3Storage(context.Background(), S3Config{})
	assert.Error(t, err)
}
