package classify

import (
	"io"
	"log/slog"
	"strings"

	"github.com/agentworkforce/notesync/internal/tagmap"
)

type Classification struct {
	Location     string
	Labels       []tagmap.LabelSpec
	DisplayTitle string
}

type Classifier struct {
	mapping *tagmap.Mapping
	logger  *slog.Logger
}

func New(mapping *tagmap.Mapping, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Classifier{mapping: mapping, logger: logger}
}

// Classify reads the tag token at the start of filename and resolves it.
// Labels start from forced, then the leaf's labels, with duplicates removed
// in first-seen order.
func (c *Classifier) Classify(filename string, forced []tagmap.LabelSpec) Classification {
	stem := Stem(filename)
	tokens := strings.Split(stem, " ")

	var leaf *tagmap.Leaf
	title := filename
	if len(tokens) < 2 {
		c.logger.Warn("no tag token in filename", "filename", filename)
		title = stem
	} else {
		tag := tokens[0]
		if len(tagmap.Segments(tag)) == 0 {
			c.logger.Warn("tag token has no segments", "filename", filename, "tag", tag)
		} else if resolved, ok := c.mapping.Resolve(tag); ok {
			leaf = resolved
			title = strings.Join(strings.Split(filename, " ")[1:], " ")
		}
	}
	if leaf == nil {
		c.logger.Warn("tag not recognised, using fallback location", "filename", filename)
		leaf = c.mapping.Fallback()
	}

	labels := make([]tagmap.LabelSpec, 0, len(forced)+len(leaf.Labels))
	labels = append(labels, forced...)
	labels = append(labels, leaf.Labels...)
	out := Classification{
		Location:     leaf.Location,
		Labels:       DedupeLabels(labels),
		DisplayTitle: title,
	}
	c.logger.Info("classified file", "filename", filename, "location", out.Location, "labels", len(out.Labels), "title", out.DisplayTitle)
	return out
}

// ReverseIndex maps every destination location to the labels of the leaf
// that targets it.
func (c *Classifier) ReverseIndex() []tagmap.LocationLabels {
	return c.mapping.Leaves()
}

func DedupeLabels(labels []tagmap.LabelSpec) []tagmap.LabelSpec {
	seen := make(map[tagmap.LabelSpec]struct{}, len(labels))
	out := make([]tagmap.LabelSpec, 0, len(labels))
	for _, label := range labels {
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}

// Stem drops the extension the way a path splitter does: the last dot
// starts the extension unless only dots precede it.
func Stem(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx <= 0 {
		return filename
	}
	if strings.Trim(filename[:idx], ".") == "" {
		return filename
	}
	if strings.ContainsAny(filename[idx:], "/\\") {
		return filename
	}
	return filename[:idx]
}
