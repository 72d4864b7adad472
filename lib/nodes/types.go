package nodes

import (
	"time"

	"github.com/onkernel/nodelab/lib/images"
)

// Status is the persisted lifecycle status of a node.
type Status string

const (
	StatusStopped  Status = "Stopped"
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	StatusStopping Status = "Stopping"
	StatusWiping   Status = "Wiping"
)

// IsTransitional reports whether an operation currently owns a node in this status.
func (s Status) IsTransitional() bool {
	switch s {
	case StatusStarting, StatusStopping, StatusWiping:
		return true
	default:
		return false
	}
}

// Node is a managed VM instance.
type Node struct {
	ID                    string    `gorm:"primaryKey;type:text;column:id" json:"id" yaml:"id"`
	Name                  string    `gorm:"type:text;not null;uniqueIndex:idx_nodes_name;column:name" json:"name" yaml:"name"`
	Status                Status    `gorm:"type:text;not null;index:idx_nodes_status;check:chk_nodes_status,status IN ('Stopped','Starting','Running','Stopping','Wiping');column:status" json:"status" yaml:"status"`
	ImageID               string    `gorm:"type:text;not null;index:idx_nodes_image_id;column:image_id" json:"image_id" yaml:"image_id"`
	InstanceOverlayPath   string    `gorm:"type:text;not null;uniqueIndex:idx_nodes_overlay_path;column:instance_overlay_path" json:"instance_overlay_path" yaml:"instance_overlay_path"`
	VNCPort               *int      `gorm:"column:vnc_port" json:"vnc_port,omitempty" yaml:"vnc_port,omitempty"`
	GuacamoleConnectionID *string   `gorm:"type:text;column:guacamole_connection_id" json:"guacamole_connection_id,omitempty" yaml:"guacamole_connection_id,omitempty"`
	CreatedAt             time.Time `gorm:"not null;column:created_at" json:"created_at" yaml:"created_at"`

	Image *images.Image `gorm:"foreignKey:ImageID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT" json:"-" yaml:"-"`
}

// TableName returns the table name for Node.
func (Node) TableName() string {
	return "nodes"
}

// HasConsole reports whether both the VNC port and gateway connection are recorded.
func (n *Node) HasConsole() bool {
	return n.VNCPort != nil && n.GuacamoleConnectionID != nil
}
