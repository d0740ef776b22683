package checkpoint

import (
	"context"
	"errors"
	"strconv"

	"github.com/finrisklabs/finrisk/internal/checkpoint/emit"
)

// Builtins returns the canonical checkpoint definitions the study setup
// expects: chunk selection after retrieval, summary editing after
// generation, and the post-task questionnaire.
func Builtins() []DefinitionInput {
	return []DefinitionInput{
		{
			ControlType: "chunk_selector",
			Label:       "Chunk Selector",
			Description: "Select which retrieved chunks should be used for generation.",
			FieldSchema: Schema{
				{Key: "selected_node_ids", Type: FieldChips, Label: "Selected node IDs", Required: true},
			},
			PipelinePosition: AfterRetrieval,
			SortOrder:        10,
			ApplicableModes:  []string{"hitl_r", "hitl_full"},
			Required:         true,
		},
		{
			ControlType: "summary_editor",
			Label:       "Summary Editor",
			Description: "Edit generated summary before finalization.",
			FieldSchema: Schema{
				{
					Key:         "edited_text",
					Type:        FieldTextarea,
					Label:       "Edited summary",
					Required:    true,
					Placeholder: "Review and edit the generated summary...",
				},
			},
			PipelinePosition: AfterGeneration,
			SortOrder:        20,
			ApplicableModes:  []string{"hitl_g", "hitl_full"},
			Required:         true,
		},
		{
			ControlType: "questionnaire",
			Label:       "Post-Task Questionnaire",
			Description: "Capture post-task confidence and quality feedback.",
			FieldSchema: Schema{
				likertField("q_accuracy", "The summary accurately reflects the company's risk factors"),
				likertField("q_no_errors", "The summary contains no factual errors"),
				likertField("q_trust", "I trust this summary for investment decisions"),
			},
			PipelinePosition: PostGeneration,
			SortOrder:        30,
			ApplicableModes:  []string{"hitl_r", "hitl_g", "hitl_full"},
			Required:         false,
		},
	}
}

// likertField builds a required 1-7 agreement select.
func likertField(key, label string) FieldSpec {
	options := make([]FieldOption, 0, 7)
	for i := 1; i <= 7; i++ {
		v := strconv.Itoa(i)
		options = append(options, FieldOption{Value: v, Label: v})
	}
	return FieldSpec{Key: key, Type: FieldSelect, Label: label, Required: true, Options: options}
}

// Seed creates any builtin definition whose control_type is not yet
// present. Existing definitions are left untouched, so admin edits and
// breaker state survive restarts. Returns the number created.
func (e *Engine) Seed(ctx context.Context) (int, error) {
	created := 0
	for _, in := range Builtins() {
		_, err := e.store.GetDefinitionByControlType(ctx, in.ControlType)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		d, err := e.CreateDefinition(ctx, in)
		if err != nil {
			// A concurrent replica may have seeded between the lookup
			// and the insert.
			if errors.Is(err, ErrDuplicateControlType) {
				continue
			}
			return created, err
		}
		created++
		e.emitter.Emit(emit.Event{
			ControlType: d.ControlType,
			Msg:         emit.EventDefinitionSeeded,
			Meta:        map[string]any{"definition_id": d.ID},
		})
	}
	return created, nil
}
