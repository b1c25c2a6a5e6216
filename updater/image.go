package updater

import (
	"io"
	"os"
	"path/filepath"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// DefaultImageDir is where the platform's image manager picks up uploads.
const DefaultImageDir = "/tmp/images"

// ImageStore stages uploaded images for the platform.
type ImageStore interface {
	// Store writes the image and returns where it was staged. size is the
	// expected length or -1 when unknown.
	Store(image io.Reader, size int64) (string, error)
}

type FileImageStoreConfig struct {
	Dir    string
	Logger Logger
}

// FileImageStore writes each image to a file with a random name that only
// owner and group can read.
type FileImageStore struct {
	dir string
	log Logger
}

// check FileImageStore compliance to its interface during compile time
var _ ImageStore = (*FileImageStore)(nil)

func NewFileImageStore(config *FileImageStoreConfig) *FileImageStore {
	s := &FileImageStore{
		dir: config.Dir,
	}

	if s.dir == "" {
		s.dir = DefaultImageDir
	}

	if config.Logger != nil {
		s.log = config.Logger
	} else {
		s.log = noopLogger{}
	}

	return s
}

func (s *FileImageStore) Dir() string {
	return s.dir
}

func (s *FileImageStore) freeSpace() (uint64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(s.dir, &stat); err != nil {
		return 0, err
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}

func (s *FileImageStore) Store(image io.Reader, size int64) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", errors.Errorf("could not create image dir %v: %v", s.dir, err)
	}

	if size > 0 {
		free, err := s.freeSpace()
		if err != nil {
			s.log.Warnf("Could not determine free space in %v: %v", s.dir, err)
		} else if uint64(size) > free {
			return "", errors.Errorf("image of %v bytes does not fit into %v free bytes: %w", size, free, ErrInsufficientSpace)
		}
	}

	path := filepath.Join(s.dir, uuid.New().String())

	s.log.Debugf("Writing file to %v", path)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0440)
	if err != nil {
		return "", errors.Errorf("could not create %v: %v", path, err)
	}

	_, err = io.Copy(f, image)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		if removeErr := os.Remove(path); removeErr != nil {
			s.log.Warnf("Could not remove partial image %v: %v", path, removeErr)
		}

		if errors.Is(err, unix.ENOSPC) {
			return "", errors.Errorf("could not write %v: %w", path, ErrInsufficientSpace)
		}

		return "", errors.Errorf("could not write %v: %w", path, err)
	}

	return path, nil
}
