package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/nodes"
)

// TableFormatter formats records as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatImage prints the image fields followed by its chain from the base image.
func (f *TableFormatter) FormatImage(img *images.ImageWithAncestors) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	chain := append(lo.Map(img.Ancestors, func(a images.Image, _ int) string { return a.Name }), img.Name)

	_, _ = fmt.Fprintf(w, "ID:\t%s\n", img.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", img.Name)
	_, _ = fmt.Fprintf(w, "Path:\t%s\n", img.Path)
	_, _ = fmt.Fprintf(w, "Parent:\t%s\n", orDash(img.ParentID))
	_, _ = fmt.Fprintf(w, "Description:\t%s\n", orDash(img.Description))
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", img.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Chain:\t%s\n", strings.Join(chain, " -> "))

	_ = w.Flush()
	return buf.String(), nil
}

// FormatImageList formats images as a table.
func (f *TableFormatter) FormatImageList(imgs []images.Image) (string, error) {
	if len(imgs) == 0 {
		return "No images found\n", nil
	}

	byID := lo.KeyBy(imgs, func(img images.Image) string { return img.ID })

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tPARENT\tPATH\tAGE")
	}
	for _, img := range imgs {
		parent := "-"
		if img.ParentID != nil {
			parent = *img.ParentID
			if p, ok := byID[parent]; ok {
				parent = p.Name
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			img.ID, img.Name, parent, img.Path, age(img.CreatedAt))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatNodeList formats nodes as a table.
func (f *TableFormatter) FormatNodeList(list []nodes.Node) (string, error) {
	if len(list) == 0 {
		return "No nodes found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tIMAGE\tVNC\tCONNECTION\tAGE")
	}
	for _, n := range list {
		port := "-"
		if n.VNCPort != nil {
			port = fmt.Sprintf("%d", *n.VNCPort)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.Name, n.Status, n.ImageID, port, orDash(n.GuacamoleConnectionID), age(n.CreatedAt))
	}

	_ = w.Flush()
	return buf.String(), nil
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func age(created time.Time) string {
	if created.IsZero() {
		return "-"
	}
	return formatAge(time.Since(created))
}

// formatAge formats a duration as a short age string: "5s", "2m", "3h", "4d", "2w", "1y".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}
	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}
	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}
	if years := days / 365; years > 0 {
		return fmt.Sprintf("%dy", years)
	}
	return fmt.Sprintf("%dd", days)
}
