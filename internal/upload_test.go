package internal

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

type putCall struct {
	bucket      string
	key         string
	body        string
	contentType string
}

type fakeStore struct {
	calls  []putCall
	failAt int // 1-based call index that fails; 0 never fails
	err    error
}

func (s *fakeStore) Put(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	s.calls = append(s.calls, putCall{bucket: bucket, key: key, body: string(data), contentType: contentType})
	if s.failAt == len(s.calls) {
		return s.err
	}
	return nil
}

func testStorageConfig() *StorageConfig {
	return &StorageConfig{
		Endpoint:        "https://r2.example.com",
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		Bucket:          "media",
		PublicBaseURL:   "https://cdn.example.com/",
		Region:          "auto",
	}
}

func writeOutputDir(t *testing.T, code string, segments int) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(code+".m3u8", "#EXTM3U\n")
	for i := 0; i < segments; i++ {
		write(code+"_00"+string(rune('0'+i))+".ts", "segment")
	}
	write("input_source.mkv", "not uploaded")
	return dir
}

func TestUploaderUploadsEverything(t *testing.T) {
	dir := writeOutputDir(t, "my-show-3", 3)
	store := &fakeStore{}
	u := &Uploader{Config: testStorageConfig(), NewStore: func(*StorageConfig) (ObjectStore, error) { return store, nil }}

	var progress []int
	url, err := u.Upload(context.Background(), dir, "my-show-3", func(done, total int) {
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://cdn.example.com/hls/my-show-3/my-show-3.m3u8" {
		t.Errorf("url = %q", url)
	}
	if !slices.Equal(progress, []int{1, 2, 3, 4}) {
		t.Errorf("progress = %v", progress)
	}

	wantKeys := []string{
		"hls/my-show-3/my-show-3_000.ts",
		"hls/my-show-3/my-show-3_001.ts",
		"hls/my-show-3/my-show-3_002.ts",
		"hls/my-show-3/my-show-3.m3u8",
	}
	var keys []string
	for _, c := range store.calls {
		keys = append(keys, c.key)
		if c.bucket != "media" {
			t.Errorf("bucket = %q", c.bucket)
		}
		want := ContentTypeSegment
		if strings.HasSuffix(c.key, ".m3u8") {
			want = ContentTypePlaylist
		}
		if c.contentType != want {
			t.Errorf("%s content type = %q, want %q", c.key, c.contentType, want)
		}
	}
	if !slices.Equal(keys, wantKeys) {
		t.Errorf("keys = %v, want %v", keys, wantKeys)
	}
}

func TestUploaderStopsAtFirstFailure(t *testing.T) {
	dir := writeOutputDir(t, "show-1", 4)
	store := &fakeStore{failAt: 2, err: errors.New("AccessDenied: bucket policy forbids write")}
	u := &Uploader{Config: testStorageConfig(), NewStore: func(*StorageConfig) (ObjectStore, error) { return store, nil }}

	var progress []int
	_, err := u.Upload(context.Background(), dir, "show-1", func(done, total int) { progress = append(progress, done) })
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("error = %v, want ErrUpload", err)
	}
	if !strings.Contains(err.Error(), "AccessDenied: bucket policy forbids write") {
		t.Errorf("error %q does not carry the remote message", err)
	}
	if len(store.calls) != 2 {
		t.Errorf("attempted %d uploads, want 2", len(store.calls))
	}
	if !slices.Equal(progress, []int{1}) {
		t.Errorf("progress = %v, want [1]", progress)
	}
}

func TestUploaderRequiresConfiguration(t *testing.T) {
	cfg := testStorageConfig()
	cfg.PublicBaseURL = ""
	called := false
	u := &Uploader{Config: cfg, NewStore: func(*StorageConfig) (ObjectStore, error) {
		called = true
		return &fakeStore{}, nil
	}}
	_, err := u.Upload(context.Background(), t.TempDir(), "x-1", nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}
	if called {
		t.Fatal("store created despite missing configuration")
	}
}

func TestUploaderHonoursCancellation(t *testing.T) {
	dir := writeOutputDir(t, "show-1", 2)
	store := &fakeStore{}
	u := &Uploader{Config: testStorageConfig(), NewStore: func(*StorageConfig) (ObjectStore, error) { return store, nil }}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := u.Upload(ctx, dir, "show-1", func(done, total int) { cancel() })
	if !errors.Is(err, ErrUpload) || !strings.Contains(err.Error(), "context canceled") {
		t.Fatalf("error = %v, want cancelled upload", err)
	}
	if len(store.calls) != 1 {
		t.Fatalf("attempted %d uploads after cancel, want 1", len(store.calls))
	}
}

func TestUploaderEmptyOutput(t *testing.T) {
	u := &Uploader{Config: testStorageConfig(), NewStore: func(*StorageConfig) (ObjectStore, error) { return &fakeStore{}, nil }}
	if _, err := u.Upload(context.Background(), t.TempDir(), "x-1", nil); !errors.Is(err, ErrUpload) {
		t.Fatalf("error = %v, want ErrUpload", err)
	}
}
