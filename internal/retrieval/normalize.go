package retrieval

import "fmt"

// RawNode is a retrieval node as PageIndex returns it. Sections either
// carry extracted passages in relevant_contents or, for flat responses,
// the whole section text inline.
type RawNode struct {
	NodeID           string       `json:"node_id"`
	Title            string       `json:"title"`
	Path             string       `json:"path,omitempty"`
	PageIndex        int          `json:"page_index"`
	Text             string       `json:"text"`
	RelevantContents []RawContent `json:"relevant_contents"`
}

// RawContent is one extracted passage inside a RawNode.
type RawContent struct {
	ContentIndex    int    `json:"content_index"`
	PageIndex       int    `json:"page_index"`
	RelevantContent string `json:"relevant_content"`
}

// NormalizeNodes flattens raw PageIndex nodes into the pipeline's Node
// shape. Passages explode into one node each, identified as
// "<node_id>:<n>" with n starting at 1; nodes without an id get a
// synthetic "<TICKER>-<seq>" id. Untitled sections become
// "Untitled Section" and empty passages are dropped.
func NormalizeNodes(ticker string, raw []RawNode) []Node {
	normalized := make([]Node, 0, len(raw))
	for _, rn := range raw {
		title := rn.Title
		if title == "" {
			title = "Untitled Section"
		}

		if len(rn.RelevantContents) == 0 {
			if rn.Text == "" {
				continue
			}
			nodeID := rn.NodeID
			if nodeID == "" {
				nodeID = syntheticID(ticker, len(normalized))
			}
			normalized = append(normalized, Node{
				NodeID:          nodeID,
				Title:           title,
				PageIndex:       rn.PageIndex,
				RelevantContent: rn.Text,
			})
			continue
		}

		for idx, content := range rn.RelevantContents {
			if content.RelevantContent == "" {
				continue
			}
			pageIndex := content.PageIndex
			if pageIndex == 0 {
				pageIndex = rn.PageIndex
			}
			nodeID := syntheticID(ticker, len(normalized))
			if rn.NodeID != "" {
				nodeID = fmt.Sprintf("%s:%d", rn.NodeID, idx+1)
			}
			normalized = append(normalized, Node{
				NodeID:          nodeID,
				Title:           title,
				PageIndex:       pageIndex,
				RelevantContent: content.RelevantContent,
			})
		}
	}
	return normalized
}

func syntheticID(ticker string, count int) string {
	return fmt.Sprintf("%s-%03d", ticker, count+1)
}
