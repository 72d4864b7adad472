package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/nodes"
)

// YAMLFormatter formats records as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) FormatImage(img *images.ImageWithAncestors) (string, error) {
	data, err := yaml.Marshal(img)
	if err != nil {
		return "", fmt.Errorf("failed to marshal image to YAML: %w", err)
	}
	return string(data), nil
}

// FormatImageList outputs a YAML stream, one document per image.
func (f *YAMLFormatter) FormatImageList(imgs []images.Image) (string, error) {
	return yamlStream(imgs, func(img images.Image) string { return img.Name })
}

// FormatNodeList outputs a YAML stream, one document per node.
func (f *YAMLFormatter) FormatNodeList(list []nodes.Node) (string, error) {
	return yamlStream(list, func(n nodes.Node) string { return n.Name })
}

func yamlStream[T any](items []T, name func(T) string) (string, error) {
	var buf bytes.Buffer
	for i, item := range items {
		data, err := yaml.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s to YAML: %w", name(item), err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
