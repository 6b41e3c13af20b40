package imagestore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Phala-Network/dstack-verifier/shared"
)

// FetchError wraps any failure to populate a cache entry: network errors,
// extraction errors, or a missing manifest after extraction. Fetch failures
// are transient from the orchestrator's point of view and may be retried.
type FetchError struct {
	Folder string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("imagestore: fetching %s: %v", e.Folder, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Image is a validated, usable cache entry.
type Image struct {
	Name     ImageName
	Dir      string
	Metadata *Metadata
}

// Store is the shared on-disk reference image cache. Concurrent callers
// requesting the same folder share a single download via singleflight, so
// the cache never sees two extractions racing on one key.
type Store struct {
	root    string
	baseURL string
	client  *http.Client
	logger  *shared.Logger
	group   singleflight.Group
}

// NewStore creates a store rooted at cacheRoot, downloading from baseURL.
func NewStore(cacheRoot, baseURL string, timeout time.Duration, logger *shared.Logger) *Store {
	return &Store{
		root:    cacheRoot,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// EnsureImage returns the cached image for folderName, downloading and
// extracting it first if needed. A cached copy with a valid manifest is
// returned without any network access. The cache never holds a partially
// populated entry: population happens in a scratch directory that is renamed
// into place only after the manifest validates.
func (s *Store) EnsureImage(ctx context.Context, folderName string) (*Image, error) {
	name, err := ParseImageName(folderName)
	if err != nil {
		return nil, err
	}

	v, err, _ := s.group.Do(folderName, func() (interface{}, error) {
		return s.ensure(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Image), nil
}

func (s *Store) ensure(ctx context.Context, name ImageName) (*Image, error) {
	folder := name.FolderName()
	dir := filepath.Join(s.root, folder)

	// Cache hit: the manifest is the readiness marker, re-validated on
	// every hit so a corrupted entry is refetched instead of trusted.
	if md, err := loadMetadata(dir); err == nil {
		return &Image{Name: name, Dir: dir, Metadata: md}, nil
	}

	s.logger.WithImage(folder).Info("reference image not cached, downloading",
		zap.String("url", name.DownloadURL(s.baseURL)))

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, &FetchError{Folder: folder, Err: err}
	}
	scratch, err := os.MkdirTemp(s.root, ".tmp-"+folder+"-")
	if err != nil {
		return nil, &FetchError{Folder: folder, Err: err}
	}
	defer os.RemoveAll(scratch)

	if err := s.download(ctx, name.DownloadURL(s.baseURL), scratch); err != nil {
		return nil, &FetchError{Folder: folder, Err: err}
	}

	md, err := loadMetadata(scratch)
	if err != nil {
		return nil, &FetchError{Folder: folder, Err: fmt.Errorf("extracted image has no usable manifest: %w", err)}
	}

	// Atomic publish. A concurrent process may have won the rename race;
	// in that case its entry is as good as ours.
	if err := os.Rename(scratch, dir); err != nil {
		if md2, err2 := loadMetadata(dir); err2 == nil {
			return &Image{Name: name, Dir: dir, Metadata: md2}, nil
		}
		return nil, &FetchError{Folder: folder, Err: err}
	}

	s.logger.WithImage(folder).Info("reference image cached", zap.String("dir", dir))
	return &Image{Name: name, Dir: dir, Metadata: md}, nil
}

func (s *Store) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}

	return untarGz(resp.Body, dest)
}

// untarGz extracts a gzipped tarball into dest, rejecting member paths that
// would escape it.
func untarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and devices have no business in an image bundle.
			return fmt.Errorf("tar: unsupported entry type %d for %q", hdr.Typeflag, hdr.Name)
		}
	}
}

func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", fmt.Errorf("tar: entry %q escapes extraction directory", name)
	}
	return target, nil
}
