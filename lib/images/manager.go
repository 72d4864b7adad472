package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"

	"github.com/onkernel/nodelab/lib/db"
	"github.com/onkernel/nodelab/lib/logger"
)

// Manager is the image catalog.
type Manager interface {
	ListImages(ctx context.Context) ([]Image, error)
	GetImage(ctx context.Context, id string) (*Image, error)
	GetImageWithAncestors(ctx context.Context, id string) (*ImageWithAncestors, error)
	GetChain(ctx context.Context, id string) ([]Image, error)
	CreateImage(ctx context.Context, req CreateImageRequest) (*Image, error)
	CreateOverlayImage(ctx context.Context, parentID, name string, description *string) (*Image, error)
	DeleteImage(ctx context.Context, id string) error
	ResolvePath(img *Image) (string, error)
}

type manager struct {
	db       *gorm.DB
	imageDir string
}

// NewManager creates a catalog over gdb. Image files are confined to imageDir.
// When meter is non-nil an image count gauge is registered.
func NewManager(gdb *gorm.DB, imageDir string, meter metric.Meter) (Manager, error) {
	m := &manager{
		db:       gdb,
		imageDir: imageDir,
	}
	if meter != nil {
		if err := m.registerMetrics(meter); err != nil {
			return nil, fmt.Errorf("register image metrics: %w", err)
		}
	}
	return m, nil
}

func (m *manager) ListImages(ctx context.Context) ([]Image, error) {
	var imgs []Image
	if err := m.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&imgs).Error; err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return imgs, nil
}

func (m *manager) GetImage(ctx context.Context, id string) (*Image, error) {
	return getImage(m.db.WithContext(ctx), id)
}

func (m *manager) GetImageWithAncestors(ctx context.Context, id string) (*ImageWithAncestors, error) {
	chain, err := m.GetChain(ctx, id)
	if err != nil {
		return nil, err
	}
	last := len(chain) - 1
	return &ImageWithAncestors{
		Image:     chain[last],
		Ancestors: chain[:last],
	}, nil
}

// GetChain returns the images from the base down to id, inclusive.
func (m *manager) GetChain(ctx context.Context, id string) ([]Image, error) {
	return chain(m.db.WithContext(ctx), id)
}

func (m *manager) CreateImage(ctx context.Context, req CreateImageRequest) (*Image, error) {
	log := logger.FromContext(ctx)

	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	relPath, err := m.validateFile(req.Path)
	if err != nil {
		return nil, err
	}

	img := &Image{
		ID:          cuid2.Generate(),
		Name:        req.Name,
		Path:        relPath,
		ParentID:    req.ParentID,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if img.ParentID != nil {
			ancestors, err := chain(tx, *img.ParentID)
			if err != nil {
				return err
			}
			if len(ancestors) >= MaxChainDepth {
				return fmt.Errorf("%w: parent %s already has %d ancestors", ErrBrokenChain, *img.ParentID, len(ancestors))
			}
		}

		var count int64
		if err := tx.Model(&Image{}).Where("name = ?", img.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("check image name: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: name %q", ErrAlreadyExists, img.Name)
		}

		if err := tx.Create(img).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("%w: name %q", ErrAlreadyExists, img.Name)
			}
			if db.IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: parent %s", ErrNotFound, *img.ParentID)
			}
			return fmt.Errorf("insert image: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "registered image", "image_id", img.ID, "name", img.Name, "path", img.Path, "base", img.IsBase())
	return img, nil
}

// CreateOverlayImage registers {name}.qcow2 in the image directory as a child of parentID.
func (m *manager) CreateOverlayImage(ctx context.Context, parentID, name string, description *string) (*Image, error) {
	if parentID == "" {
		return nil, fmt.Errorf("%w: overlay image requires a parent", ErrNotFound)
	}
	return m.CreateImage(ctx, CreateImageRequest{
		Name:        name,
		Path:        name + ".qcow2",
		ParentID:    &parentID,
		Description: description,
	})
}

func (m *manager) DeleteImage(ctx context.Context, id string) error {
	log := logger.FromContext(ctx)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getImage(tx, id); err != nil {
			return err
		}

		var children int64
		if err := tx.Model(&Image{}).Where("parent_id = ?", id).Count(&children).Error; err != nil {
			return fmt.Errorf("count child images: %w", err)
		}
		var nodes int64
		if err := tx.Table("nodes").Where("image_id = ?", id).Count(&nodes).Error; err != nil {
			return fmt.Errorf("count referencing nodes: %w", err)
		}
		if children > 0 || nodes > 0 {
			return fmt.Errorf("%w: %d child images, %d nodes", ErrInUse, children, nodes)
		}

		if err := tx.Delete(&Image{}, "id = ?", id).Error; err != nil {
			if db.IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: %v", ErrInUse, err)
			}
			return fmt.Errorf("delete image: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "deleted image", "image_id", id)
	return nil
}

// ResolvePath returns the absolute path of an image file, confined to the image directory.
func (m *manager) ResolvePath(img *Image) (string, error) {
	full, err := securejoin.SecureJoin(m.imageDir, img.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return full, nil
}

// validateFile checks that path names a regular file under the image directory
// and returns it relative to that directory.
func (m *manager) validateFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidPath)
	}
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(m.imageDir, path)
		if err != nil || !filepath.IsLocal(rel) {
			return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPath, path, m.imageDir)
		}
		path = rel
	}
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalidPath, path, m.imageDir)
	}

	full, err := securejoin.SecureJoin(m.imageDir, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s does not exist", ErrInvalidPath, path)
		}
		return "", fmt.Errorf("%w: stat %s: %v", ErrInvalidPath, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidPath, path)
	}

	rel, err := filepath.Rel(m.imageDir, full)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return filepath.ToSlash(rel), nil
}

func getImage(tx *gorm.DB, id string) (*Image, error) {
	var img Image
	if err := tx.Where("id = ?", id).Take(&img).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get image: %w", err)
	}
	return &img, nil
}

// chain walks parent links from id up to the base image and returns them base first.
func chain(tx *gorm.DB, id string) ([]Image, error) {
	var reversed []Image
	next := id
	for depth := 0; ; depth++ {
		if depth > MaxChainDepth {
			return nil, fmt.Errorf("%w: %s", ErrBrokenChain, id)
		}
		img, err := getImage(tx, next)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, *img)
		if img.ParentID == nil {
			break
		}
		next = *img.ParentID
	}

	slices.Reverse(reversed)
	return reversed, nil
}
