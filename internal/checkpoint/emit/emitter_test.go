package emit

import "testing"

// recorder appends its tag to a shared log on every emit, exposing fan-out
// order.
type recorder struct {
	tag string
	log *[]string
}

func (r recorder) Emit(_ Event) {
	*r.log = append(*r.log, r.tag)
}

func TestMulti_FanOutOrder(t *testing.T) {
	var log []string
	m := Multi{
		NewNullEmitter(), // must accept and drop silently
		recorder{tag: "first", log: &log},
		recorder{tag: "second", log: &log},
	}

	m.Emit(Event{TaskID: "task-1", Msg: EventOffered})
	m.Emit(Event{TaskID: "task-1", Msg: EventSubmitted})

	want := []string{"first", "second", "first", "second"}
	if len(log) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(log))
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("delivery[%d] = %s, want %s", i, log[i], want[i])
		}
	}
}

func TestBufferedEmitter_History(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{TaskID: "task-1", ControlType: "chunk_selector", Msg: EventInstanceCreated})
	b.Emit(Event{TaskID: "task-1", ControlType: "chunk_selector", Msg: EventOffered})
	b.Emit(Event{TaskID: "task-2", ControlType: "summary_editor", Msg: EventOffered})

	got := b.History("task-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for task-1, got %d", len(got))
	}
	if got[0].Msg != EventInstanceCreated || got[1].Msg != EventOffered {
		t.Errorf("unexpected order: %s, %s", got[0].Msg, got[1].Msg)
	}

	if n := len(b.History("task-2")); n != 1 {
		t.Errorf("expected 1 event for task-2, got %d", n)
	}
	if n := len(b.History("unknown")); n != 0 {
		t.Errorf("expected no events for unknown task, got %d", n)
	}

	t.Run("result is a copy", func(t *testing.T) {
		first := b.History("task-1")
		first[0].Msg = "mutated"
		if b.History("task-1")[0].Msg != EventInstanceCreated {
			t.Error("mutating the returned slice changed stored history")
		}
	})
}

func TestBufferedEmitter_HistoryWithFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{TaskID: "task-1", ControlType: "chunk_selector", Msg: EventOffered})
	b.Emit(Event{TaskID: "task-1", ControlType: "chunk_selector", Msg: EventSubmitted})
	b.Emit(Event{TaskID: "task-1", ControlType: "questionnaire", Msg: EventOffered})

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"empty filter matches all", HistoryFilter{}, 3},
		{"by control type", HistoryFilter{ControlType: "chunk_selector"}, 2},
		{"by msg", HistoryFilter{Msg: EventOffered}, 2},
		{"both fields AND together", HistoryFilter{ControlType: "questionnaire", Msg: EventOffered}, 1},
		{"no match", HistoryFilter{ControlType: "questionnaire", Msg: EventSubmitted}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(b.HistoryWithFilter("task-1", tt.filter)); got != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, got)
			}
		})
	}
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{TaskID: "task-1", Msg: EventOffered})
	b.Emit(Event{TaskID: "task-2", Msg: EventOffered})

	b.Clear("task-1")
	if n := len(b.History("task-1")); n != 0 {
		t.Errorf("expected task-1 cleared, got %d events", n)
	}
	if n := len(b.History("task-2")); n != 1 {
		t.Errorf("expected task-2 untouched, got %d events", n)
	}

	b.Clear("")
	if n := len(b.History("task-2")); n != 0 {
		t.Errorf("expected all tasks cleared, got %d events", n)
	}
}
