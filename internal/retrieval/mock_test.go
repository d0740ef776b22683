package retrieval

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func TestMockEngine_Deterministic(t *testing.T) {
	engine := NewMockEngine("", "")
	ctx := context.Background()

	first, err := engine.Retrieve(ctx, "MSFT", "What are the key risks?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	second, err := engine.Retrieve(ctx, "MSFT", "What are the key risks?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !reflect.DeepEqual(first.Nodes, second.Nodes) {
		t.Fatal("node content varies between identical calls")
	}
	if first.RetrievalID == second.RetrievalID {
		t.Fatal("retrieval ids must be unique per call")
	}
	if !strings.HasPrefix(first.RetrievalID, "sr-mock-") || len(first.RetrievalID) != len("sr-mock-")+18 {
		t.Fatalf("RetrievalID = %q", first.RetrievalID)
	}

	t.Run("ticker feeds the seed", func(t *testing.T) {
		other, err := engine.Retrieve(ctx, "AAPL", "What are the key risks?")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if reflect.DeepEqual(first.Nodes, other.Nodes) {
			t.Fatal("distinct tickers produced identical nodes")
		}
	})

	t.Run("seed salt partitions deployments", func(t *testing.T) {
		salted, err := NewMockEngine("", "staging").Retrieve(ctx, "MSFT", "What are the key risks?")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if reflect.DeepEqual(first.Nodes, salted.Nodes) {
			t.Fatal("distinct salts produced identical nodes")
		}
	})
}

func TestMockEngine_NodeShape(t *testing.T) {
	result, err := NewMockEngine("", "").Retrieve(context.Background(), "msft", "supply chain risks")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Nodes) == 0 {
		t.Fatal("no nodes")
	}
	if result.Nodes[0].NodeID != "0001:1" {
		t.Fatalf("first node id = %q, want 0001:1", result.Nodes[0].NodeID)
	}
	for _, node := range result.Nodes {
		if node.NodeID == "" || node.Title == "" || node.RelevantContent == "" {
			t.Fatalf("incomplete node %+v", node)
		}
		if node.PageIndex <= 0 {
			t.Fatalf("page index %d on node %s", node.PageIndex, node.NodeID)
		}
	}
}

func TestMockEngine_Scenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("failed_retrieval", func(t *testing.T) {
		_, err := NewMockEngine(ScenarioFailedRetrieval, "").Retrieve(ctx, "MSFT", "key risks")
		var rerr *Error
		if !errors.As(err, &rerr) {
			t.Fatalf("err = %v, want *Error", err)
		}
		if rerr.StatusCode != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", rerr.StatusCode)
		}
		if rerr.Message != "mock retrieval failed (scenario=failed_retrieval)" {
			t.Fatalf("message = %q", rerr.Message)
		}
	})

	t.Run("limit_reached", func(t *testing.T) {
		_, err := NewMockEngine(ScenarioLimitReached, "").Retrieve(ctx, "MSFT", "key risks")
		var rerr *Error
		if !errors.As(err, &rerr) {
			t.Fatalf("err = %v, want *Error", err)
		}
		if rerr.StatusCode != http.StatusTooManyRequests || rerr.Message != "LimitReached" {
			t.Fatalf("got %d %q", rerr.StatusCode, rerr.Message)
		}
	})

	t.Run("empty_completed", func(t *testing.T) {
		result, err := NewMockEngine(ScenarioEmptyCompleted, "").Retrieve(ctx, "MSFT", "key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(result.Nodes) != 0 {
			t.Fatalf("nodes = %d, want none", len(result.Nodes))
		}
		if result.RetrievalID == "" {
			t.Fatal("retrieval id missing")
		}
	})

	t.Run("long_context outweighs happy_path", func(t *testing.T) {
		happy, err := NewMockEngine(ScenarioHappyPath, "").Retrieve(ctx, "MSFT", "key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		long, err := NewMockEngine(ScenarioLongContext, "").Retrieve(ctx, "MSFT", "key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(long.Nodes) <= len(happy.Nodes) {
			t.Fatalf("long_context=%d happy_path=%d nodes, want more", len(long.Nodes), len(happy.Nodes))
		}
	})

	t.Run("unknown scenario falls back to happy_path", func(t *testing.T) {
		unknown, err := NewMockEngine("definitely_not_real", "").Retrieve(ctx, "MSFT", "key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		happy, err := NewMockEngine(ScenarioHappyPath, "").Retrieve(ctx, "MSFT", "key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if !reflect.DeepEqual(unknown.Nodes, happy.Nodes) {
			t.Fatal("unknown scenario should behave like happy_path")
		}
	})
}

func TestMockEngine_ScenarioOverride(t *testing.T) {
	engine := NewMockEngine(ScenarioHappyPath, "")
	ctx := context.Background()

	_, err := engine.Retrieve(ctx, "MSFT", "scenario:failed_retrieval::key risks")
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want the overridden failure", err)
	}

	t.Run("override seeds with the clean query", func(t *testing.T) {
		overridden, err := engine.Retrieve(ctx, "MSFT", "scenario:happy_path::key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		plain, err := engine.Retrieve(ctx, "MSFT", "key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if !reflect.DeepEqual(overridden.Nodes, plain.Nodes) {
			t.Fatal("override prefix leaked into the seed")
		}
	})

	t.Run("unknown override falls back to happy_path", func(t *testing.T) {
		result, err := NewMockEngine(ScenarioEmptyCompleted, "").Retrieve(ctx, "MSFT", "scenario:nonsense::key risks")
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(result.Nodes) == 0 {
			t.Fatal("override should have replaced empty_completed")
		}
	})
}
