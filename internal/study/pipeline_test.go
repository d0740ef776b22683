package study_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/finrisklabs/finrisk/internal/retrieval"
	"github.com/finrisklabs/finrisk/internal/study"
)

func TestRunQuery(t *testing.T) {
	ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-7", Nodes: sampleNodes()}}
	f := newFixture(t, study.WithRetriever(ret))
	ctx := context.Background()
	state := f.mustStart(t, "P01")
	f.clock.Advance(10 * time.Second)

	task, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "")
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if ret.calls != 1 || ret.tickers[0] != "MSFT" || ret.queries[0] != state.CurrentQuery {
		t.Fatalf("retriever saw calls=%d ticker=%v query=%v", ret.calls, ret.tickers, ret.queries)
	}
	if task.RetrievalID != "sr-test-7" {
		t.Fatalf("RetrievalID = %q, want sr-test-7", task.RetrievalID)
	}
	if len(task.RetrievedNodes) != 3 {
		t.Fatalf("retrieved %d nodes, want 3", len(task.RetrievedNodes))
	}
	if task.RetrievalCompletedAt == nil || !task.RetrievalCompletedAt.Equal(f.clock.Now()) {
		t.Fatalf("RetrievalCompletedAt = %v, want %v", task.RetrievalCompletedAt, f.clock.Now())
	}

	t.Run("result is persisted", func(t *testing.T) {
		stored, err := f.svc.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if !reflect.DeepEqual(stored.RetrievedNodes, task.RetrievedNodes) {
			t.Fatalf("stored nodes = %v", stored.RetrievedNodes)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		if _, err := f.svc.RunQuery(ctx, "missing", ""); !errors.Is(err, study.ErrTaskNotFound) {
			t.Fatalf("err = %v, want ErrTaskNotFound", err)
		}
	})
}

func TestRunQuery_QueryOverride(t *testing.T) {
	ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-8", Nodes: sampleNodes()}}
	f := newFixture(t, study.WithRetriever(ret))
	ctx := context.Background()
	state := f.mustStart(t, "P01")

	task, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "climate litigation exposure")
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if ret.queries[0] != "climate litigation exposure" {
		t.Fatalf("retriever saw query %q, want the override", ret.queries[0])
	}
	if task.QueryText != "climate litigation exposure" {
		t.Fatalf("QueryText = %q, want the override", task.QueryText)
	}

	stored, err := f.svc.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.QueryText != "climate litigation exposure" {
		t.Fatalf("stored query = %q, want the override to stick", stored.QueryText)
	}
}

func TestRunQuery_ProviderFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("no fallback surfaces 503", func(t *testing.T) {
		ret := &scriptedRetriever{err: errors.New("connection reset")}
		f := newFixture(t, study.WithRetriever(ret))
		state := f.mustStart(t, "P01")

		_, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "")
		var gerr *study.GatewayError
		if !errors.As(err, &gerr) {
			t.Fatalf("err = %v, want GatewayError", err)
		}
		if gerr.StatusCode != 503 || gerr.Message != "PageIndex retrieval failed and fallback is disabled" {
			t.Fatalf("got %d %q", gerr.StatusCode, gerr.Message)
		}
	})

	t.Run("fallback rescues the call", func(t *testing.T) {
		ret := &scriptedRetriever{err: errors.New("connection reset")}
		fb := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-mock-1", Nodes: sampleNodes()}}
		f := newFixture(t, study.WithRetriever(ret), study.WithRetrievalFallback(fb))
		state := f.mustStart(t, "P01")

		task, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "")
		if err != nil {
			t.Fatalf("RunQuery: %v", err)
		}
		if fb.calls != 1 {
			t.Fatalf("fallback calls = %d, want 1", fb.calls)
		}
		if task.RetrievalID != "sr-mock-1" {
			t.Fatalf("RetrievalID = %q, want the fallback's", task.RetrievalID)
		}
	})

	t.Run("fallback failure keeps the upstream status", func(t *testing.T) {
		ret := &scriptedRetriever{err: errors.New("connection reset")}
		fb := &scriptedRetriever{err: &retrieval.Error{Message: "mock retrieval rate limited", StatusCode: 429}}
		f := newFixture(t, study.WithRetriever(ret), study.WithRetrievalFallback(fb))
		state := f.mustStart(t, "P01")

		_, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "")
		var gerr *study.GatewayError
		if !errors.As(err, &gerr) {
			t.Fatalf("err = %v, want GatewayError", err)
		}
		if gerr.StatusCode != 429 || gerr.Message != "mock retrieval rate limited" {
			t.Fatalf("got %d %q", gerr.StatusCode, gerr.Message)
		}
	})
}

func TestRunQuery_NoNodes(t *testing.T) {
	ctx := context.Background()

	t.Run("no fallback surfaces 502", func(t *testing.T) {
		ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-9"}}
		f := newFixture(t, study.WithRetriever(ret))
		state := f.mustStart(t, "P01")

		_, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "")
		var gerr *study.GatewayError
		if !errors.As(err, &gerr) {
			t.Fatalf("err = %v, want GatewayError", err)
		}
		if gerr.StatusCode != 502 || gerr.Message != "Retrieval returned no nodes" {
			t.Fatalf("got %d %q", gerr.StatusCode, gerr.Message)
		}
	})

	t.Run("fallback fills the gap", func(t *testing.T) {
		ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-9"}}
		fb := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-mock-2", Nodes: sampleNodes()}}
		f := newFixture(t, study.WithRetriever(ret), study.WithRetrievalFallback(fb))
		state := f.mustStart(t, "P01")

		task, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "")
		if err != nil {
			t.Fatalf("RunQuery: %v", err)
		}
		if len(task.RetrievedNodes) != 3 || task.RetrievalID != "sr-mock-2" {
			t.Fatalf("task = %d nodes id %q, want the fallback result", len(task.RetrievedNodes), task.RetrievalID)
		}
	})
}

func TestSelectNodes(t *testing.T) {
	ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-10", Nodes: sampleNodes()}}
	f := newFixture(t, study.WithRetriever(ret))
	ctx := context.Background()
	state := f.mustStart(t, "P01")

	t.Run("before retrieval", func(t *testing.T) {
		_, err := f.svc.SelectNodes(ctx, state.CurrentTaskID, study.NodeSelection{SelectedNodeIDs: []string{"0001:1"}})
		var perr *study.PreconditionError
		if !errors.As(err, &perr) || perr.Message != "Run retrieval before selecting nodes" {
			t.Fatalf("err = %v, want the retrieval precondition", err)
		}
	})

	if _, err := f.svc.RunQuery(ctx, state.CurrentTaskID, ""); err != nil {
		t.Fatalf("RunQuery: %v", err)
	}

	task, err := f.svc.SelectNodes(ctx, state.CurrentTaskID, study.NodeSelection{
		SelectedNodeIDs: []string{"0001:1", "0003:2"},
		RejectedNodeIDs: []string{"0002:1"},
		SelectionOrder:  []string{"0003:2", "0002:1", "0001:1"},
	})
	if err != nil {
		t.Fatalf("SelectNodes: %v", err)
	}
	if !reflect.DeepEqual(task.SelectedNodeIDs, []string{"0003:2", "0001:1"}) {
		t.Fatalf("selection = %v, want the click order filtered to kept ids", task.SelectedNodeIDs)
	}
	if !reflect.DeepEqual(task.RejectedNodeIDs, []string{"0002:1"}) {
		t.Fatalf("rejected = %v", task.RejectedNodeIDs)
	}
}

func TestGenerate(t *testing.T) {
	ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-11", Nodes: sampleNodes()}}
	gen := &scriptedGenerator{text: "Draft risk summary."}
	f := newFixture(t, study.WithRetriever(ret), study.WithGenerator(gen))
	ctx := context.Background()
	state := f.mustStart(t, "P01")

	t.Run("before retrieval", func(t *testing.T) {
		_, err := f.svc.Generate(ctx, state.CurrentTaskID, nil)
		var perr *study.PreconditionError
		if !errors.As(err, &perr) || perr.Message != "Run retrieval before generation" {
			t.Fatalf("err = %v, want the retrieval precondition", err)
		}
	})

	if _, err := f.svc.RunQuery(ctx, state.CurrentTaskID, ""); err != nil {
		t.Fatalf("RunQuery: %v", err)
	}

	task, err := f.svc.Generate(ctx, state.CurrentTaskID, []string{"0002:1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if task.GeneratedSummary != "Draft risk summary." {
		t.Fatalf("GeneratedSummary = %q", task.GeneratedSummary)
	}
	if !reflect.DeepEqual(task.SelectedNodeIDs, []string{"0002:1"}) {
		t.Fatalf("SelectedNodeIDs = %v, want the explicit selection recorded", task.SelectedNodeIDs)
	}
	if task.GenerationCompletedAt == nil {
		t.Fatal("GenerationCompletedAt not stamped")
	}
	if len(gen.nodes) != 1 || len(gen.nodes[0]) != 1 || gen.nodes[0][0].NodeID != "0002:1" {
		t.Fatalf("generator saw %v, want only the selected node", gen.nodes)
	}
}

func TestGenerate_SelectionDefaults(t *testing.T) {
	ctx := context.Background()
	newTask := func(t *testing.T, gen *scriptedGenerator) (*fixture, string) {
		t.Helper()
		ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-12", Nodes: sampleNodes()}}
		f := newFixture(t, study.WithRetriever(ret), study.WithGenerator(gen))
		state := f.mustStart(t, "P01")
		if _, err := f.svc.RunQuery(ctx, state.CurrentTaskID, ""); err != nil {
			t.Fatalf("RunQuery: %v", err)
		}
		return f, state.CurrentTaskID
	}

	t.Run("stored selection wins without explicit ids", func(t *testing.T) {
		gen := &scriptedGenerator{text: "ok"}
		f, taskID := newTask(t, gen)
		if _, err := f.svc.SelectNodes(ctx, taskID, study.NodeSelection{
			SelectedNodeIDs: []string{"0003:2"},
			SelectionOrder:  []string{"0003:2"},
		}); err != nil {
			t.Fatalf("SelectNodes: %v", err)
		}
		if _, err := f.svc.Generate(ctx, taskID, nil); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(gen.nodes[0]) != 1 || gen.nodes[0][0].NodeID != "0003:2" {
			t.Fatalf("generator saw %v, want the stored selection", gen.nodes[0])
		}
	})

	t.Run("all retrieved nodes when nothing is selected", func(t *testing.T) {
		gen := &scriptedGenerator{text: "ok"}
		f, taskID := newTask(t, gen)
		task, err := f.svc.Generate(ctx, taskID, nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(gen.nodes[0]) != 3 {
			t.Fatalf("generator saw %d nodes, want all 3", len(gen.nodes[0]))
		}
		if !reflect.DeepEqual(task.SelectedNodeIDs, []string{"0001:1", "0002:1", "0003:2"}) {
			t.Fatalf("SelectedNodeIDs = %v", task.SelectedNodeIDs)
		}
	})

	t.Run("ids matching no retrieved node", func(t *testing.T) {
		gen := &scriptedGenerator{text: "ok"}
		f, taskID := newTask(t, gen)
		_, err := f.svc.Generate(ctx, taskID, []string{"9999:9"})
		var perr *study.PreconditionError
		if !errors.As(err, &perr) || perr.Message != "No nodes selected for generation" {
			t.Fatalf("err = %v, want the selection precondition", err)
		}
	})
}

func TestGenerate_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	retriever := func() *scriptedRetriever {
		return &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-13", Nodes: sampleNodes()}}
	}

	t.Run("no fallback surfaces 503", func(t *testing.T) {
		gen := &scriptedGenerator{err: errors.New("model overloaded")}
		f := newFixture(t, study.WithRetriever(retriever()), study.WithGenerator(gen))
		state := f.mustStart(t, "P01")
		if _, err := f.svc.RunQuery(ctx, state.CurrentTaskID, ""); err != nil {
			t.Fatalf("RunQuery: %v", err)
		}

		_, err := f.svc.Generate(ctx, state.CurrentTaskID, nil)
		var gerr *study.GatewayError
		if !errors.As(err, &gerr) {
			t.Fatalf("err = %v, want GatewayError", err)
		}
		if gerr.StatusCode != 503 || gerr.Message != "LLM generation failed and fallback is disabled" {
			t.Fatalf("got %d %q", gerr.StatusCode, gerr.Message)
		}
	})

	t.Run("fallback text is used", func(t *testing.T) {
		gen := &scriptedGenerator{err: errors.New("model overloaded")}
		fb := &scriptedGenerator{text: "Fallback summary."}
		f := newFixture(t, study.WithRetriever(retriever()), study.WithGenerator(gen), study.WithGenerationFallback(fb))
		state := f.mustStart(t, "P01")
		if _, err := f.svc.RunQuery(ctx, state.CurrentTaskID, ""); err != nil {
			t.Fatalf("RunQuery: %v", err)
		}

		task, err := f.svc.Generate(ctx, state.CurrentTaskID, nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if task.GeneratedSummary != "Fallback summary." {
			t.Fatalf("GeneratedSummary = %q, want the fallback's", task.GeneratedSummary)
		}
		if fb.calls != 1 {
			t.Fatalf("fallback calls = %d, want 1", fb.calls)
		}
	})

	t.Run("fallback failure becomes 502", func(t *testing.T) {
		gen := &scriptedGenerator{err: errors.New("model overloaded")}
		fb := &scriptedGenerator{err: errors.New("fallback down")}
		f := newFixture(t, study.WithRetriever(retriever()), study.WithGenerator(gen), study.WithGenerationFallback(fb))
		state := f.mustStart(t, "P01")
		if _, err := f.svc.RunQuery(ctx, state.CurrentTaskID, ""); err != nil {
			t.Fatalf("RunQuery: %v", err)
		}

		_, err := f.svc.Generate(ctx, state.CurrentTaskID, nil)
		var gerr *study.GatewayError
		if !errors.As(err, &gerr) {
			t.Fatalf("err = %v, want GatewayError", err)
		}
		if gerr.StatusCode != 502 || gerr.Message != "fallback down" {
			t.Fatalf("got %d %q", gerr.StatusCode, gerr.Message)
		}
	})
}

func TestEditSummary(t *testing.T) {
	ret := &scriptedRetriever{result: &retrieval.Result{RetrievalID: "sr-test-14", Nodes: sampleNodes()}}
	gen := &scriptedGenerator{text: "Revenue grew 12% onshore."}
	f := newFixture(t, study.WithRetriever(ret), study.WithGenerator(gen))
	ctx := context.Background()
	state := f.mustStart(t, "P01")

	t.Run("before generation", func(t *testing.T) {
		_, err := f.svc.EditSummary(ctx, state.CurrentTaskID, "edited", nil)
		var perr *study.PreconditionError
		if !errors.As(err, &perr) || perr.Message != "Generate summary before editing" {
			t.Fatalf("err = %v, want the generation precondition", err)
		}
	})

	if _, err := f.svc.RunQuery(ctx, state.CurrentTaskID, ""); err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if _, err := f.svc.Generate(ctx, state.CurrentTaskID, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	spans := []study.FlaggedSpan{{Start: 8, End: 12, Text: "grew", Reason: "not in sources"}}
	task, err := f.svc.EditSummary(ctx, state.CurrentTaskID, "Revenue was flat.", spans)
	if err != nil {
		t.Fatalf("EditSummary: %v", err)
	}
	if task.EditedSummary != "Revenue was flat." {
		t.Fatalf("EditedSummary = %q", task.EditedSummary)
	}
	// Draft is 25 code points, the edit 17.
	if task.CharactersEdited != 8 {
		t.Fatalf("CharactersEdited = %d, want 8", task.CharactersEdited)
	}
	if !reflect.DeepEqual(task.FlaggedSpans, spans) {
		t.Fatalf("FlaggedSpans = %v", task.FlaggedSpans)
	}
	if task.EditCompletedAt == nil {
		t.Fatal("EditCompletedAt not stamped")
	}

	t.Run("delta counts code points, not bytes", func(t *testing.T) {
		gen.text = "naïve café" // ten code points in twelve bytes
		if _, err := f.svc.Generate(ctx, state.CurrentTaskID, nil); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		task, err := f.svc.EditSummary(ctx, state.CurrentTaskID, "rosé", nil)
		if err != nil {
			t.Fatalf("EditSummary: %v", err)
		}
		if task.CharactersEdited != 6 {
			t.Fatalf("CharactersEdited = %d, want 6", task.CharactersEdited)
		}
	})
}

func TestCompleteTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := f.mustStart(t, "P01")

	f.clock.Advance(95 * time.Second)
	task, err := f.svc.CompleteTask(ctx, state.CurrentTaskID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(f.clock.Now()) {
		t.Fatalf("CompletedAt = %v, want %v", task.CompletedAt, f.clock.Now())
	}
	if task.TimeOnTaskSeconds != 95 {
		t.Fatalf("TimeOnTaskSeconds = %d, want 95", task.TimeOnTaskSeconds)
	}

	t.Run("unknown task", func(t *testing.T) {
		if _, err := f.svc.CompleteTask(ctx, "missing"); !errors.Is(err, study.ErrTaskNotFound) {
			t.Fatalf("err = %v, want ErrTaskNotFound", err)
		}
	})
}

// TestPipeline_MockProviders walks the whole pipeline on the default
// mock retrieval and mock summary providers.
func TestPipeline_MockProviders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := f.mustStart(t, "P01")

	task, err := f.svc.RunQuery(ctx, state.CurrentTaskID, "")
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if len(task.RetrievedNodes) < 2 {
		t.Fatalf("mock retrieval returned %d nodes", len(task.RetrievedNodes))
	}
	if !strings.HasPrefix(task.RetrievalID, "sr-mock-") {
		t.Fatalf("RetrievalID = %q, want an sr-mock- id", task.RetrievalID)
	}

	keep := []string{task.RetrievedNodes[0].NodeID, task.RetrievedNodes[1].NodeID}
	if _, err := f.svc.SelectNodes(ctx, task.ID, study.NodeSelection{
		SelectedNodeIDs: keep,
		SelectionOrder:  keep,
	}); err != nil {
		t.Fatalf("SelectNodes: %v", err)
	}

	task, err = f.svc.Generate(ctx, task.ID, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(task.GeneratedSummary, "MSFT") {
		t.Fatalf("summary = %q, want the ticker mentioned", task.GeneratedSummary)
	}

	task, err = f.svc.EditSummary(ctx, task.ID, task.GeneratedSummary+" Reviewed.", nil)
	if err != nil {
		t.Fatalf("EditSummary: %v", err)
	}
	if task.CharactersEdited != 10 {
		t.Fatalf("CharactersEdited = %d, want 10", task.CharactersEdited)
	}

	f.clock.Advance(3 * time.Minute)
	task, err = f.svc.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if task.TimeOnTaskSeconds != 180 {
		t.Fatalf("TimeOnTaskSeconds = %d, want 180", task.TimeOnTaskSeconds)
	}
}
