package output

import (
	"encoding/json"
	"fmt"

	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/nodes"
)

// JSONFormatter formats records as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) FormatImage(img *images.ImageWithAncestors) (string, error) {
	return marshalJSON(img)
}

// FormatImageList outputs a JSON array, "[]" when empty.
func (f *JSONFormatter) FormatImageList(imgs []images.Image) (string, error) {
	if imgs == nil {
		imgs = []images.Image{}
	}
	return marshalJSON(imgs)
}

// FormatNodeList outputs a JSON array, "[]" when empty.
func (f *JSONFormatter) FormatNodeList(list []nodes.Node) (string, error) {
	if list == nil {
		list = []nodes.Node{}
	}
	return marshalJSON(list)
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}
