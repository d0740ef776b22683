package retrieval

import (
	"reflect"
	"testing"
)

func TestNormalizeNodes(t *testing.T) {
	raw := []RawNode{
		{
			NodeID: "0007",
			Title:  "Item 1A. Risk Factors",
			RelevantContents: []RawContent{
				{ContentIndex: 0, PageIndex: 14, RelevantContent: "Passage one."},
				{ContentIndex: 1, PageIndex: 15, RelevantContent: "Passage two."},
			},
		},
		{
			// Flat response shape: no extracted passages, text inline.
			NodeID:    "0009",
			Title:     "Item 7A. Market Risk",
			PageIndex: 44,
			Text:      "Flat section text.",
		},
	}

	nodes := NormalizeNodes("MSFT", raw)
	want := []Node{
		{NodeID: "0007:1", Title: "Item 1A. Risk Factors", PageIndex: 14, RelevantContent: "Passage one."},
		{NodeID: "0007:2", Title: "Item 1A. Risk Factors", PageIndex: 15, RelevantContent: "Passage two."},
		{NodeID: "0009", Title: "Item 7A. Market Risk", PageIndex: 44, RelevantContent: "Flat section text."},
	}
	if !reflect.DeepEqual(nodes, want) {
		t.Fatalf("NormalizeNodes = %+v, want %+v", nodes, want)
	}
}

func TestNormalizeNodes_Fallbacks(t *testing.T) {
	raw := []RawNode{
		{
			// No id, no title; the first passage's page 0 falls back to
			// the node page and the empty passage is dropped.
			PageIndex: 30,
			RelevantContents: []RawContent{
				{ContentIndex: 0, PageIndex: 0, RelevantContent: "Orphan passage."},
				{ContentIndex: 1, PageIndex: 31, RelevantContent: ""},
			},
		},
		{
			Title: "Empty Section",
		},
		{
			Text: "Flat text without an id.",
		},
	}

	nodes := NormalizeNodes("TSLA", raw)
	want := []Node{
		{NodeID: "TSLA-001", Title: "Untitled Section", PageIndex: 30, RelevantContent: "Orphan passage."},
		{NodeID: "TSLA-002", Title: "Untitled Section", RelevantContent: "Flat text without an id."},
	}
	if !reflect.DeepEqual(nodes, want) {
		t.Fatalf("NormalizeNodes = %+v, want %+v", nodes, want)
	}
}
