package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
)

// ObjectStore is the remote storage the HLS output is pushed to.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error
}

// StoreFactory builds an ObjectStore from validated configuration.
type StoreFactory func(*StorageConfig) (ObjectStore, error)

// UploadProgress is called after each successful file upload.
type UploadProgress func(uploaded, total int)

// Uploader pushes a job's manifest and segments to object storage.
type Uploader struct {
	Config   *StorageConfig
	NewStore StoreFactory
}

// Upload validates the storage configuration, then uploads every segment
// followed by the manifest, stopping at the first failure. Files already
// uploaded are left in place; keys are deterministic so a retry overwrites
// them.
func (u *Uploader) Upload(ctx context.Context, outputDir, outputCode string, progress UploadProgress) (string, error) {
	if err := u.Config.Validate(); err != nil {
		return "", err
	}

	files, err := ListOutputFiles(outputDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no HLS files in output directory", ErrUpload)
	}

	newStore := u.NewStore
	if newStore == nil {
		newStore = NewS3Store
	}
	store, err := newStore(u.Config)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	for i, name := range files {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUpload, err)
		}
		if err := u.putFile(ctx, store, filepath.Join(outputDir, name), ObjectKey(outputCode, name)); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrUpload, name, err)
		}
		if progress != nil {
			progress(i+1, len(files))
		}
	}

	return PlaylistURL(u.Config.PublicBaseURL, outputCode), nil
}

func (u *Uploader) putFile(ctx context.Context, store ObjectStore, filePath, key string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(ctx, u.Config.Bucket, key, f, info.Size(), ContentTypeFor(filePath))
}

// ListOutputFiles returns the segment files in name order followed by the
// manifest, so a published playlist never references a missing segment.
func ListOutputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segments, playlists []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".ts":
			segments = append(segments, entry.Name())
		case ".m3u8":
			playlists = append(playlists, entry.Name())
		}
	}
	sort.Strings(segments)
	sort.Strings(playlists)
	return append(segments, playlists...), nil
}

func ObjectKey(outputCode, filename string) string {
	return path.Join("hls", outputCode, filename)
}

func ContentTypeFor(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".m3u8") {
		return ContentTypePlaylist
	}
	return ContentTypeSegment
}

// PlaylistURL is the public URL of the manifest for outputCode.
func PlaylistURL(baseURL, outputCode string) string {
	return strings.TrimRight(baseURL, "/") + "/" + ObjectKey(outputCode, outputCode+".m3u8")
}
