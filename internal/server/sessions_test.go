package server_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/finrisklabs/finrisk/internal/study"
)

func TestStartSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	state := f.startSession(t, "P01")
	if state.SessionID == "" || state.CurrentTaskID == "" {
		t.Fatalf("session state missing ids: %+v", state)
	}
	if state.ParticipantID != "P01" || state.Group != study.GroupA {
		t.Fatalf("assignment = (%s, %s), want (P01, A)", state.ParticipantID, state.Group)
	}
	if state.CurrentPhase != 1 || state.CurrentMode != study.ModeBaseline {
		t.Fatalf("phase start = (%d, %s), want (1, baseline)", state.CurrentPhase, state.CurrentMode)
	}
	if state.CurrentTicker != "MSFT" {
		t.Fatalf("ticker = %q, want MSFT", state.CurrentTicker)
	}
	if state.CurrentQuery == "" {
		t.Fatal("current query is empty")
	}
	if !state.StartedAt.Equal(f.clock.Now()) {
		t.Fatalf("started at = %v, want %v", state.StartedAt, f.clock.Now())
	}

	t.Run("participant id required", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/sessions/start", map[string]any{})
		wantErrorBody(t, rec, http.StatusUnprocessableEntity, "participant_id is required")

		rec = f.do(t, http.MethodPost, "/api/sessions/start", map[string]any{"participant_id": "   "})
		wantErrorBody(t, rec, http.StatusUnprocessableEntity, "participant_id is required")
	})

	t.Run("invalid participant id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/sessions/start", map[string]any{"participant_id": "X42"})
		wantErrorBody(t, rec, http.StatusUnprocessableEntity,
			"participant_id must match P followed by two digits")
	})
}

func TestGetSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	started := f.startSession(t, "P01")

	rec := f.do(t, http.MethodGet, "/api/sessions/"+started.SessionID, nil)
	wantStatus(t, rec, http.StatusOK)
	state := decodeAs[*study.SessionState](t, rec)
	if state.SessionID != started.SessionID || state.ParticipantID != "P01" {
		t.Fatalf("got session (%s, %s), want (%s, P01)",
			state.SessionID, state.ParticipantID, started.SessionID)
	}

	rec = f.do(t, http.MethodGet, "/api/sessions/no-such-session", nil)
	wantErrorBody(t, rec, http.StatusNotFound, "session not found")
}

func TestNextPhaseEndpoint(t *testing.T) {
	f := newFixture(t)
	started := f.startSession(t, "P02")
	path := "/api/sessions/" + started.SessionID + "/next-phase"

	rec := f.do(t, http.MethodPost, path, nil)
	wantStatus(t, rec, http.StatusOK)
	adv := decodeAs[*study.PhaseAdvance](t, rec)
	if adv.CurrentPhase != 2 || adv.CurrentMode != study.ModeHITLGeneration {
		t.Fatalf("phase 2 advance = (%d, %s), want (2, hitl_g)", adv.CurrentPhase, adv.CurrentMode)
	}
	if adv.CurrentTicker != "AAPL" {
		t.Fatalf("phase 2 ticker = %q, want AAPL", adv.CurrentTicker)
	}
	if adv.CurrentTaskID == "" || adv.CurrentTaskID == started.CurrentTaskID {
		t.Fatalf("phase 2 task id = %q, want a fresh task", adv.CurrentTaskID)
	}

	rec = f.do(t, http.MethodPost, path, nil)
	wantStatus(t, rec, http.StatusOK)
	adv = decodeAs[*study.PhaseAdvance](t, rec)
	if adv.CurrentPhase != 3 || adv.CurrentMode != study.ModeHITLFull || adv.CurrentTicker != "TSLA" {
		t.Fatalf("phase 3 advance = (%d, %s, %s), want (3, hitl_full, TSLA)",
			adv.CurrentPhase, adv.CurrentMode, adv.CurrentTicker)
	}

	rec = f.do(t, http.MethodPost, path, nil)
	wantErrorBody(t, rec, http.StatusBadRequest, "Session already at final phase")

	t.Run("unknown session", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/sessions/no-such-session/next-phase", nil)
		wantErrorBody(t, rec, http.StatusNotFound, "session not found")
	})
}

func TestCompleteSessionEndpoint(t *testing.T) {
	f := newFixture(t)
	started := f.startSession(t, "P03")
	f.clock.Advance(10 * time.Minute)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+started.SessionID+"/complete", nil)
	wantStatus(t, rec, http.StatusOK)
	body := decodeAs[map[string]string](t, rec)
	if body["status"] != "completed" || body["session_id"] != started.SessionID {
		t.Fatalf("complete body = %v, want completed %s", body, started.SessionID)
	}

	rec = f.do(t, http.MethodPost, "/api/sessions/no-such-session/complete", nil)
	wantErrorBody(t, rec, http.StatusNotFound, "session not found")
}
