// Package paths centralizes the on-disk layout used by nodelab.
//
//	{DataDir}/
//	  run/{nodeID}/qemu.pid
//	  run/{nodeID}/qemu.log
//	  run/{nodeID}/qmp.sock
//	  nodelab.db            (sqlite driver only)
//	{ImageDir}/...          base and overlay-of-overlay images
//	{OverlayDir}/{nodeID}.qcow2
package paths

import "path/filepath"

// Paths resolves nodelab file locations.
type Paths struct {
	dataDir    string
	imageDir   string
	overlayDir string
}

// New creates a Paths. Empty imageDir/overlayDir default to subdirectories of dataDir.
func New(dataDir, imageDir, overlayDir string) *Paths {
	if imageDir == "" {
		imageDir = filepath.Join(dataDir, "images")
	}
	if overlayDir == "" {
		overlayDir = filepath.Join(dataDir, "overlays")
	}
	return &Paths{dataDir: dataDir, imageDir: imageDir, overlayDir: overlayDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string { return p.dataDir }

// ImageDir returns the directory holding catalog image files.
func (p *Paths) ImageDir() string { return p.imageDir }

// OverlayDir returns the directory holding per-node overlays.
func (p *Paths) OverlayDir() string { return p.overlayDir }

// RunDir returns the directory holding per-node process state.
func (p *Paths) RunDir() string { return filepath.Join(p.dataDir, "run") }

// NodeRunDir returns the process state directory for a node.
func (p *Paths) NodeRunDir(nodeID string) string { return filepath.Join(p.RunDir(), nodeID) }

// SQLiteDB returns the default sqlite database path.
func (p *Paths) SQLiteDB() string { return filepath.Join(p.dataDir, "nodelab.db") }
