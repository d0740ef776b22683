package study

import (
	"context"
	"errors"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/finrisklabs/finrisk/internal/retrieval"
)

// RunQuery retrieves document sections for the task. A non-empty
// queryOverride replaces the task's query from here on. Provider
// failures and empty result sets degrade to the fallback retriever when
// one is wired; otherwise they surface as gateway errors.
func (s *Service) RunQuery(ctx context.Context, taskID, queryOverride string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	query := task.QueryText
	if queryOverride != "" {
		query = queryOverride
		task.QueryText = query
	}

	result, err := s.retriever.Retrieve(ctx, task.Ticker, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("retrieval provider failed",
			zap.String("task_id", task.ID),
			zap.String("ticker", task.Ticker),
			zap.Error(err))
		if s.retFallback == nil {
			return nil, &GatewayError{StatusCode: 503, Message: "PageIndex retrieval failed and fallback is disabled"}
		}
		if result, err = s.retFallback.Retrieve(ctx, task.Ticker, query); err != nil {
			return nil, asGatewayError(err)
		}
	}
	if len(result.Nodes) == 0 {
		if s.retFallback == nil {
			return nil, &GatewayError{StatusCode: 502, Message: "Retrieval returned no nodes"}
		}
		s.log.Warn("retrieval returned no nodes, using fallback",
			zap.String("task_id", task.ID),
			zap.String("ticker", task.Ticker))
		if result, err = s.retFallback.Retrieve(ctx, task.Ticker, query); err != nil {
			return nil, asGatewayError(err)
		}
	}

	now := s.now().UTC()
	task.RetrievedNodes = result.Nodes
	if result.RetrievalID != "" {
		task.RetrievalID = result.RetrievalID
	}
	task.RetrievalCompletedAt = &now
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// NodeSelection is the participant's verdict on the retrieved nodes.
// SelectionOrder records the click sequence; the stored selection is
// that order filtered to the accepted ids.
type NodeSelection struct {
	SelectedNodeIDs []string `json:"selected_node_ids"`
	RejectedNodeIDs []string `json:"rejected_node_ids"`
	SelectionOrder  []string `json:"selection_order"`
}

// SelectNodes records which retrieved nodes the participant kept.
func (s *Service) SelectNodes(ctx context.Context, taskID string, sel NodeSelection) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(task.RetrievedNodes) == 0 {
		return nil, &PreconditionError{Message: "Run retrieval before selecting nodes"}
	}

	selected := make(map[string]bool, len(sel.SelectedNodeIDs))
	for _, id := range sel.SelectedNodeIDs {
		selected[id] = true
	}
	ordered := make([]string, 0, len(sel.SelectedNodeIDs))
	for _, id := range sel.SelectionOrder {
		if selected[id] {
			ordered = append(ordered, id)
		}
	}

	task.SelectedNodeIDs = ordered
	task.RejectedNodeIDs = append([]string(nil), sel.RejectedNodeIDs...)
	task.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Generate produces the draft summary from the selected nodes. The
// selection defaults to the stored one, then to every retrieved node.
func (s *Service) Generate(ctx context.Context, taskID string, selectedNodeIDs []string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(task.RetrievedNodes) == 0 {
		return nil, &PreconditionError{Message: "Run retrieval before generation"}
	}

	selectedIDs := selectedNodeIDs
	if len(selectedIDs) == 0 {
		selectedIDs = task.SelectedNodeIDs
	}
	if len(selectedIDs) == 0 {
		selectedIDs = make([]string, 0, len(task.RetrievedNodes))
		for _, node := range task.RetrievedNodes {
			selectedIDs = append(selectedIDs, node.NodeID)
		}
	}
	wanted := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		wanted[id] = true
	}
	var nodes []retrieval.Node
	for _, node := range task.RetrievedNodes {
		if wanted[node.NodeID] {
			nodes = append(nodes, node)
		}
	}
	if len(nodes) == 0 {
		return nil, &PreconditionError{Message: "No nodes selected for generation"}
	}

	text, err := s.generator.GenerateSummary(ctx, task.Ticker, task.QueryText, nodes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("summary provider failed",
			zap.String("task_id", task.ID),
			zap.String("ticker", task.Ticker),
			zap.Error(err))
		if s.genFallback == nil {
			return nil, &GatewayError{StatusCode: 503, Message: "LLM generation failed and fallback is disabled"}
		}
		if text, err = s.genFallback.GenerateSummary(ctx, task.Ticker, task.QueryText, nodes); err != nil {
			return nil, asGatewayError(err)
		}
	}

	now := s.now().UTC()
	task.SelectedNodeIDs = selectedIDs
	task.GeneratedSummary = text
	task.GenerationCompletedAt = &now
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// EditSummary records the participant's edited text and hallucination
// flags. The edit distance proxy is the code point length delta between
// draft and edit.
func (s *Service) EditSummary(ctx context.Context, taskID, editedText string, spans []FlaggedSpan) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.GeneratedSummary == "" {
		return nil, &PreconditionError{Message: "Generate summary before editing"}
	}

	delta := utf8.RuneCountInString(editedText) - utf8.RuneCountInString(task.GeneratedSummary)
	if delta < 0 {
		delta = -delta
	}

	now := s.now().UTC()
	task.EditedSummary = editedText
	task.CharactersEdited = delta
	task.FlaggedSpans = append([]FlaggedSpan(nil), spans...)
	task.EditCompletedAt = &now
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask stamps completion and derives the time on task.
func (s *Service) CompleteTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	task.CompletedAt = &now
	task.TimeOnTaskSeconds = int(now.Sub(task.StartedAt).Seconds())
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// asGatewayError relays retrieval provider errors with their upstream
// status; anything else becomes a 502.
func asGatewayError(err error) error {
	var rerr *retrieval.Error
	if errors.As(err, &rerr) {
		return &GatewayError{StatusCode: rerr.StatusCode, Message: rerr.Message}
	}
	var perr *GatewayError
	if errors.As(err, &perr) {
		return perr
	}
	return &GatewayError{StatusCode: 502, Message: err.Error()}
}
