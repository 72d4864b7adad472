package images

import "time"

// MaxChainDepth bounds how many ancestors an image may have.
const MaxChainDepth = 32

// Image is a catalog entry. A nil ParentID marks a base image.
type Image struct {
	ID          string    `gorm:"primaryKey;type:text;column:id" json:"id" yaml:"id"`
	Name        string    `gorm:"type:text;not null;uniqueIndex:idx_images_name;column:name" json:"name" yaml:"name"`
	Path        string    `gorm:"type:text;not null;column:path" json:"path" yaml:"path"`
	ParentID    *string   `gorm:"type:text;index:idx_images_parent_id;column:parent_id" json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Description *string   `gorm:"type:text;column:description" json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `gorm:"not null;column:created_at" json:"created_at" yaml:"created_at"`

	Parent *Image `gorm:"foreignKey:ParentID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" yaml:"-"`
}

// TableName returns the table name for Image.
func (Image) TableName() string {
	return "images"
}

// IsBase reports whether the image has no parent.
func (i *Image) IsBase() bool {
	return i.ParentID == nil
}

// CreateImageRequest registers an image file that already exists under the image directory.
type CreateImageRequest struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	ParentID    *string `json:"parent_id,omitempty"`
	Description *string `json:"description,omitempty"`
}

// ImageWithAncestors is an image together with its chain from the base image down to its parent.
type ImageWithAncestors struct {
	Image     `yaml:",inline"`
	Ancestors []Image `json:"ancestors" yaml:"ancestors"`
}
