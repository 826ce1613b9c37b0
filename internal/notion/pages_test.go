package notion

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/agentworkforce/notesync/internal/tagmap"
)

type fakePageCreator struct {
	parent     map[string]any
	properties map[string]Property
	children   []Block
	icon       map[string]any
	calls      int
}

func (f *fakePageCreator) CreatePage(ctx context.Context, parent map[string]any, properties map[string]Property, children []Block, icon map[string]any) (Page, error) {
	f.calls++
	f.parent = parent
	f.properties = properties
	f.children = children
	f.icon = icon
	return Page{ID: "page_1", URL: "https://www.notion.so/page_1"}, nil
}

func testTagTypes() map[string]TagType {
	return map[string]TagType{
		"tag":     {Name: "Tags", NotionType: FieldMultiSelect},
		"subject": {Name: "Subject", NotionType: FieldSelect},
		"note":    {Name: "Note", NotionType: FieldRichText},
	}
}

func TestLinkerBuildsPage(t *testing.T) {
	creator := &fakePageCreator{}
	linker := NewLinker(creator, LinkerOptions{
		DatabaseID:  "db_1",
		TitleField:  "Name",
		FileIDField: "Drive ID",
		TagTypes:    testTagTypes(),
		Icon:        "📄",
		Banner:      true,
		LinkInline:  true,
	})
	labels := []tagmap.LabelSpec{
		{Kind: "tag", Value: "math-hw"},
		{Kind: "tag", Value: "week-2"},
		{Kind: "subject", Value: "Math"},
	}
	page, err := linker.Link(context.Background(), "file_1", "Assignment 2.pdf", "https://drive.google.com/file/d/file_1/view", labels)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if page.URL != "https://www.notion.so/page_1" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if creator.parent["database_id"] != "db_1" {
		t.Fatalf("expected database parent, got %+v", creator.parent)
	}
	if !reflect.DeepEqual(creator.properties["Name"], TitleProperty("Assignment 2.pdf")) {
		t.Fatalf("unexpected title property: %+v", creator.properties["Name"])
	}
	if !reflect.DeepEqual(creator.properties["Drive ID"], RichTextProperty("file_1")) {
		t.Fatalf("unexpected file id property: %+v", creator.properties["Drive ID"])
	}
	wantTags := Property{"multi_select": []any{
		map[string]any{"name": "math-hw"},
		map[string]any{"name": "week-2"},
	}}
	if !reflect.DeepEqual(creator.properties["Tags"], wantTags) {
		t.Fatalf("expected merged multi select, got %+v", creator.properties["Tags"])
	}
	if !reflect.DeepEqual(creator.properties["Subject"], SelectProperty("Math")) {
		t.Fatalf("unexpected select property: %+v", creator.properties["Subject"])
	}
	wantChildren := []Block{
		QuoteBlock(DefaultBannerText),
		ParagraphBlock(linkIntroText),
		LinkBlock("https://drive.google.com/file/d/file_1/view"),
	}
	if !reflect.DeepEqual(creator.children, wantChildren) {
		t.Fatalf("unexpected children: %+v", creator.children)
	}
	if creator.icon["emoji"] != "📄" {
		t.Fatalf("expected emoji icon, got %+v", creator.icon)
	}
}

func TestLinkerEmbedWithoutBannerOrIcon(t *testing.T) {
	creator := &fakePageCreator{}
	linker := NewLinker(creator, LinkerOptions{DatabaseID: "db_1", TitleField: "Name", FileIDField: "ID"})
	if _, err := linker.Link(context.Background(), "f", "t", "https://example.com/f", nil); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if len(creator.children) != 2 || creator.children[1]["type"] != "embed" {
		t.Fatalf("expected paragraph then embed, got %+v", creator.children)
	}
	if creator.icon != nil {
		t.Fatalf("expected no icon, got %+v", creator.icon)
	}
}

func TestLinkerUnknownLabelKindFailsAtDispatch(t *testing.T) {
	creator := &fakePageCreator{}
	linker := NewLinker(creator, LinkerOptions{DatabaseID: "db_1", TitleField: "Name", FileIDField: "ID", TagTypes: testTagTypes()})
	_, err := linker.Link(context.Background(), "f", "t", "l", []tagmap.LabelSpec{{Kind: "colour", Value: "red"}})
	if !errors.Is(err, ErrUnknownLabelKind) {
		t.Fatalf("expected ErrUnknownLabelKind, got %v", err)
	}
	if creator.calls != 0 {
		t.Fatalf("expected no page to be created")
	}
	if err := linker.Validate([]tagmap.LabelSpec{{Kind: "colour"}}); !errors.Is(err, ErrUnknownLabelKind) {
		t.Fatalf("expected Validate to report unknown kind, got %v", err)
	}
}

func TestRenderLabelsLowercaseKindFallback(t *testing.T) {
	properties := map[string]Property{}
	err := RenderLabels(properties, []tagmap.LabelSpec{{Kind: "Note", Value: "hi"}}, testTagTypes())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !reflect.DeepEqual(properties["Note"], RichTextProperty("hi")) {
		t.Fatalf("unexpected properties: %+v", properties)
	}
}

func TestRenderLabelsRejectsUnsupportedNotionType(t *testing.T) {
	tagTypes := map[string]TagType{"tag": {Name: "Tags", NotionType: "checkbox"}}
	err := RenderLabels(map[string]Property{}, []tagmap.LabelSpec{{Kind: "tag", Value: "x"}}, tagTypes)
	if !errors.Is(err, ErrUnknownLabelKind) {
		t.Fatalf("expected ErrUnknownLabelKind, got %v", err)
	}
}
