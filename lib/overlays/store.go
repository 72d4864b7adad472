// Package overlays creates and removes per-node copy-on-write disks.
package overlays

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/onkernel/nodelab/lib/logger"
)

// Creator writes a new overlay at dest backed by backing.
type Creator func(ctx context.Context, backing, backingFormat, dest string) error

// Store manages overlay files inside one directory.
type Store interface {
	Allocate(ctx context.Context, baseImagePath, nodeID string) (string, error)
	Release(ctx context.Context, overlayPath string) error
	Path(overlayPath string) (string, error)
	Exists(overlayPath string) (bool, error)
}

type store struct {
	dir     string
	creator Creator
}

// Option configures a Store.
type Option func(*store)

// WithCreator replaces qemu-img as the overlay writer.
func WithCreator(c Creator) Option {
	return func(s *store) { s.creator = c }
}

// WithQemuImg uses the given qemu-img binary.
func WithQemuImg(binary string) Option {
	return func(s *store) { s.creator = QemuImgCreator(binary) }
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, opts ...Option) (Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create overlay dir: %v", ErrStorage, err)
	}
	s := &store{
		dir:     dir,
		creator: QemuImgCreator("qemu-img"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Allocate creates {nodeID}.qcow2 backed by baseImagePath and returns its path
// relative to the overlay directory.
func (s *store) Allocate(ctx context.Context, baseImagePath, nodeID string) (string, error) {
	log := logger.FromContext(ctx)

	rel := nodeID + ".qcow2"
	final, err := s.Path(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(final); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, rel)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: stat %s: %v", ErrStorage, rel, err)
	}

	backing, err := filepath.Abs(baseImagePath)
	if err != nil {
		return "", fmt.Errorf("%w: resolve backing image: %v", ErrStorage, err)
	}
	if _, err := os.Stat(backing); err != nil {
		return "", fmt.Errorf("%w: backing image %s: %v", ErrStorage, backing, err)
	}

	suffix, err := randomSuffix()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tmp := filepath.Join(s.dir, "."+rel+".tmp-"+suffix)
	defer os.Remove(tmp)

	if err := s.creator(ctx, backing, BackingFormat(backing), tmp); err != nil {
		return "", fmt.Errorf("%w: create overlay: %v", ErrStorage, err)
	}

	// Link refuses to replace an existing file, unlike rename.
	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, rel)
		}
		return "", fmt.Errorf("%w: publish overlay: %v", ErrStorage, err)
	}

	log.InfoContext(ctx, "allocated overlay", "node_id", nodeID, "overlay", rel, "backing", backing)
	return rel, nil
}

// Release deletes an overlay. A missing file is not an error.
func (s *store) Release(ctx context.Context, overlayPath string) error {
	log := logger.FromContext(ctx)

	full, err := s.Path(overlayPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WarnContext(ctx, "overlay already absent", "overlay", overlayPath)
			return nil
		}
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, overlayPath, err)
	}

	log.InfoContext(ctx, "released overlay", "overlay", overlayPath)
	return nil
}

// Path resolves an overlay path inside the overlay directory.
func (s *store) Path(overlayPath string) (string, error) {
	if overlayPath == "" || !filepath.IsLocal(overlayPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, overlayPath)
	}
	full, err := securejoin.SecureJoin(s.dir, overlayPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return full, nil
}

// Exists reports whether the overlay file is present.
func (s *store) Exists(overlayPath string) (bool, error) {
	full, err := s.Path(overlayPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return true, nil
}

// BackingFormat infers the qemu disk format from the image file extension.
func BackingFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw", ".img":
		return "raw"
	default:
		return "qcow2"
	}
}

// QemuImgCreator runs `qemu-img create -f qcow2 -F <fmt> -b <backing> <dest>`.
func QemuImgCreator(binary string) Creator {
	return func(ctx context.Context, backing, backingFormat, dest string) error {
		cmd := exec.CommandContext(ctx, binary, "create",
			"-f", "qcow2",
			"-F", backingFormat,
			"-b", backing,
			dest,
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s create: %w: %s", binary, err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
}

func randomSuffix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate temp suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
