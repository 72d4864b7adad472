// Package nodes is the authoritative store of nodes and their status.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"gorm.io/gorm"

	"github.com/onkernel/nodelab/lib/db"
	"github.com/onkernel/nodelab/lib/logger"
)

// Registry persists nodes and mediates every status change.
type Registry interface {
	Insert(ctx context.Context, node *Node) error
	Get(ctx context.Context, id string) (*Node, error)
	GetByName(ctx context.Context, name string) (*Node, error)
	List(ctx context.Context) ([]Node, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Node, error)
	Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (*Node, error)
	Delete(ctx context.Context, id string, expect Status) error
}

type registry struct {
	db *gorm.DB
}

// NewRegistry creates a registry over gdb.
func NewRegistry(gdb *gorm.DB) Registry {
	return &registry{db: gdb}
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

// ValidateName checks a node name with the same rules as image names.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (r *registry) Insert(ctx context.Context, node *Node) error {
	if err := r.db.WithContext(ctx).Omit("Image").Create(node).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: name %q or overlay %q already in use", ErrConflict, node.Name, node.InstanceOverlayPath)
		}
		return fmt.Errorf("insert node: %w", err)
	}
	logger.FromContext(ctx).DebugContext(ctx, "inserted node", "node_id", node.ID, "name", node.Name)
	return nil
}

func (r *registry) Get(ctx context.Context, id string) (*Node, error) {
	return r.take(ctx, "id = ?", id)
}

func (r *registry) GetByName(ctx context.Context, name string) (*Node, error) {
	return r.take(ctx, "name = ?", name)
}

func (r *registry) take(ctx context.Context, query string, arg string) (*Node, error) {
	var node Node
	if err := r.db.WithContext(ctx).Where(query, arg).Take(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	return &node, nil
}

func (r *registry) List(ctx context.Context) ([]Node, error) {
	var out []Node
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return out, nil
}

func (r *registry) ListByStatus(ctx context.Context, statuses ...Status) ([]Node, error) {
	var out []Node
	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list nodes by status: %w", err)
	}
	return out, nil
}

// Transition moves a node from one status to another with a single conditional update.
// It fails with ErrConflict when the stored status is not from.
func (r *registry) Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (*Node, error) {
	updates := map[string]any{"status": to}
	for _, opt := range opts {
		opt(updates)
	}

	res := r.db.WithContext(ctx).Model(&Node{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, res.Error)
		}
		return nil, fmt.Errorf("transition node %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, r.missOrConflict(ctx, id, fmt.Sprintf("expected %s", from))
	}

	logger.FromContext(ctx).DebugContext(ctx, "node transition", "node_id", id, "from", from, "to", to)
	return r.Get(ctx, id)
}

// Delete removes a node only if its stored status is expect.
func (r *registry) Delete(ctx context.Context, id string, expect Status) error {
	res := r.db.WithContext(ctx).Where("id = ? AND status = ?", id, expect).Delete(&Node{})
	if res.Error != nil {
		return fmt.Errorf("delete node %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, id, fmt.Sprintf("delete requires %s", expect))
	}
	return nil
}

func (r *registry) missOrConflict(ctx context.Context, id, detail string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: node %s is %s, %s", ErrConflict, id, current.Status, detail)
}

// TransitionOption sets extra columns during a transition.
type TransitionOption func(updates map[string]any)

// WithConsole records the VNC port and gateway connection id.
func WithConsole(port int, connectionID string) TransitionOption {
	return func(updates map[string]any) {
		updates["vnc_port"] = port
		updates["guacamole_connection_id"] = connectionID
	}
}

// ClearConsole clears the VNC port and gateway connection id.
func ClearConsole() TransitionOption {
	return func(updates map[string]any) {
		updates["vnc_port"] = gorm.Expr("NULL")
		updates["guacamole_connection_id"] = gorm.Expr("NULL")
	}
}
