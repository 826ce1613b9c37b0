package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentworkforce/notesync/internal/tagmap"
)

const (
	DefaultBannerText = "🤖 This page was automatically created by notesync."
	linkIntroText     = "You can find the file at the link below:"
)

type Page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePage creates a page under parent, which is a Notion parent object
// such as {"database_id": "..."}.
func (c *Client) CreatePage(ctx context.Context, parent map[string]any, properties map[string]Property, children []Block, icon map[string]any) (Page, error) {
	payload := map[string]any{
		"parent":     parent,
		"properties": properties,
	}
	if len(children) > 0 {
		payload["children"] = children
	}
	if icon != nil {
		payload["icon"] = icon
	}
	resp, err := c.Do(ctx, http.MethodPost, "/pages", payload)
	if err != nil {
		return Page{}, err
	}
	var page Page
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return Page{}, fmt.Errorf("decode created page: %w", err)
	}
	return page, nil
}

type PageCreator interface {
	CreatePage(ctx context.Context, parent map[string]any, properties map[string]Property, children []Block, icon map[string]any) (Page, error)
}

type LinkerOptions struct {
	DatabaseID  string
	TitleField  string
	FileIDField string
	TagTypes    map[string]TagType
	Icon        string
	Banner      bool
	BannerText  string
	// LinkInline renders the file link as a text paragraph instead of an
	// embed block.
	LinkInline bool
	Logger     *slog.Logger
}

// Linker turns a classified file into a database page.
type Linker struct {
	pages PageCreator
	opts  LinkerOptions
}

func NewLinker(pages PageCreator, opts LinkerOptions) *Linker {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.TrimSpace(opts.BannerText) == "" {
		opts.BannerText = DefaultBannerText
	}
	return &Linker{pages: pages, opts: opts}
}

// Validate checks every label kind the mapping can produce against the
// configured tag types, so a misconfiguration fails before any remote call.
func (l *Linker) Validate(labels []tagmap.LabelSpec) error {
	return RenderLabels(map[string]Property{}, labels, l.opts.TagTypes)
}

func (l *Linker) Link(ctx context.Context, fileID, title, fileLink string, labels []tagmap.LabelSpec) (Page, error) {
	properties := map[string]Property{
		l.opts.TitleField:  TitleProperty(title),
		l.opts.FileIDField: RichTextProperty(fileID),
	}
	if err := RenderLabels(properties, labels, l.opts.TagTypes); err != nil {
		return Page{}, err
	}
	var children []Block
	if l.opts.Banner {
		children = append(children, QuoteBlock(l.opts.BannerText))
	}
	children = append(children, ParagraphBlock(linkIntroText))
	if l.opts.LinkInline {
		children = append(children, LinkBlock(fileLink))
	} else {
		children = append(children, EmbedBlock(fileLink))
	}
	var icon map[string]any
	if strings.TrimSpace(l.opts.Icon) != "" {
		icon = EmojiIcon(l.opts.Icon)
	}
	l.opts.Logger.Debug("creating notion page", "file_id", fileID, "title", title, "properties", len(properties))
	page, err := l.pages.CreatePage(ctx, map[string]any{"database_id": l.opts.DatabaseID}, properties, children, icon)
	if err != nil {
		return Page{}, fmt.Errorf("create page for %s: %w", fileID, err)
	}
	l.opts.Logger.Info("notion page created", "file_id", fileID, "url", page.URL)
	return page, nil
}
