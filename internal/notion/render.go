package notion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/notesync/internal/tagmap"
)

var ErrUnknownLabelKind = errors.New("unknown label kind")

// Property is the wire form of one page property.
type Property map[string]any

// Block is the wire form of one page child block.
type Block map[string]any

// FieldType names a database property type a label can be rendered into.
type FieldType string

const (
	FieldTitle       FieldType = "title"
	FieldRichText    FieldType = "rich_text"
	FieldMultiSelect FieldType = "multi_select"
	FieldSelect      FieldType = "select"
)

// TagType maps a label kind to the database property it fills.
type TagType struct {
	Name       string    `json:"name" mapstructure:"name"`
	NotionType FieldType `json:"notion_type" mapstructure:"notion_type"`
}

type propertyRenderer func(value string) Property

var propertyRenderers = map[FieldType]propertyRenderer{
	FieldTitle:       TitleProperty,
	FieldRichText:    RichTextProperty,
	FieldMultiSelect: MultiSelectProperty,
	FieldSelect:      SelectProperty,
}

func TitleProperty(value string) Property {
	return Property{"title": []any{map[string]any{"text": map[string]any{"content": value}}}}
}

func RichTextProperty(value string) Property {
	return Property{"rich_text": []any{textRun(value, "")}}
}

func MultiSelectProperty(value string) Property {
	return Property{"multi_select": []any{map[string]any{"name": value}}}
}

func SelectProperty(value string) Property {
	return Property{"select": map[string]any{"name": value}}
}

// RenderLabels adds one property per label to properties. Labels whose kind
// targets the same multi_select property are merged; for other field types
// the last label wins.
func RenderLabels(properties map[string]Property, labels []tagmap.LabelSpec, tagTypes map[string]TagType) error {
	for _, label := range labels {
		tagType, ok := lookupTagType(tagTypes, label.Kind)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownLabelKind, label.Kind)
		}
		render, ok := propertyRenderers[tagType.NotionType]
		if !ok {
			return fmt.Errorf("%w: kind %q maps to unsupported notion type %q", ErrUnknownLabelKind, label.Kind, tagType.NotionType)
		}
		rendered := render(label.Value)
		if tagType.NotionType == FieldMultiSelect {
			if existing, ok := properties[tagType.Name]; ok {
				if options, ok := existing["multi_select"].([]any); ok {
					existing["multi_select"] = append(options, rendered["multi_select"].([]any)...)
					continue
				}
			}
		}
		properties[tagType.Name] = rendered
	}
	return nil
}

func lookupTagType(tagTypes map[string]TagType, kind string) (TagType, bool) {
	if tagType, ok := tagTypes[kind]; ok {
		return tagType, true
	}
	// viper lowercases map keys
	tagType, ok := tagTypes[strings.ToLower(kind)]
	return tagType, ok
}

func textRun(content, link string) map[string]any {
	text := map[string]any{"content": content}
	if link != "" {
		text["link"] = map[string]any{"url": link}
	}
	return map[string]any{"type": "text", "text": text}
}

func QuoteBlock(content string) Block {
	return Block{"type": "quote", "quote": map[string]any{"rich_text": []any{textRun(content, "")}}}
}

func ParagraphBlock(content string) Block {
	return Block{"type": "paragraph", "paragraph": map[string]any{"rich_text": []any{textRun(content, "")}}}
}

// LinkBlock is a paragraph whose only text is a clickable url.
func LinkBlock(url string) Block {
	return Block{"type": "paragraph", "paragraph": map[string]any{"rich_text": []any{textRun(url, url)}}}
}

func EmbedBlock(url string) Block {
	return Block{"type": "embed", "embed": map[string]any{"url": url}}
}

func EmojiIcon(emoji string) map[string]any {
	return map[string]any{"type": "emoji", "emoji": emoji}
}
