package study

import (
	"regexp"
	"strconv"
)

// tickers is the counterbalancing wheel. Phase assignments are three
// consecutive entries starting at an offset derived from the
// participant number, so consecutive participant pairs rotate through
// different companies.
var tickers = []string{"MSFT", "AAPL", "TSLA", "JPM", "PFE", "WMT", "XOM", "BA"}

// queries maps each ticker to its canonical study question. Tasks start
// from these; participants may override per task.
var queries = map[string]string{
	"MSFT": "What are the key technology and cybersecurity risks that could impact Microsoft's cloud business?",
	"AAPL": "Identify and summarize the supply chain and geopolitical risks facing Apple's hardware operations.",
	"TSLA": "What regulatory and safety risks does Tesla face related to its autonomous driving technology?",
	"JPM":  "Summarize the credit risk and market volatility exposures disclosed by JPMorgan Chase.",
	"PFE":  "What are the key regulatory approval and patent expiration risks affecting Pfizer's drug pipeline?",
	"WMT":  "Identify the competitive and supply chain risks facing Walmart's retail and e-commerce business.",
	"XOM":  "What environmental and regulatory compliance risks does ExxonMobil disclose related to climate policy?",
	"BA":   "Summarize the safety, quality control, and litigation risks disclosed by Boeing.",
}

var participantIDRE = regexp.MustCompile(`^P\d{2}$`)

// Tickers returns the wheel in order.
func Tickers() []string {
	out := make([]string, len(tickers))
	copy(out, tickers)
	return out
}

// QueryFor returns the canonical query for a ticker, empty if unknown.
func QueryFor(ticker string) string {
	return queries[ticker]
}

// ParticipantIndex parses the numeric part of a participant id.
func ParticipantIndex(participantID string) (int, error) {
	if !participantIDRE.MatchString(participantID) {
		return 0, ErrInvalidParticipantID
	}
	n, err := strconv.Atoi(participantID[1:])
	if err != nil {
		return 0, ErrInvalidParticipantID
	}
	return n, nil
}

// GroupFor assigns odd participant numbers to A and even to B.
func GroupFor(participantID string) (Group, error) {
	n, err := ParticipantIndex(participantID)
	if err != nil {
		return "", err
	}
	if n%2 == 1 {
		return GroupA, nil
	}
	return GroupB, nil
}

// PhaseModes returns the three-phase mode sequence for a group. Both
// groups start at baseline and end at full HITL; the middle phase
// isolates the retrieval or generation intervention.
func PhaseModes(group Group) []Mode {
	if group == GroupA {
		return []Mode{ModeBaseline, ModeHITLRetrieval, ModeHITLFull}
	}
	return []Mode{ModeBaseline, ModeHITLGeneration, ModeHITLFull}
}

// TickerSequence returns the participant's three phase tickers.
func TickerSequence(participantID string) ([]string, error) {
	n, err := ParticipantIndex(participantID)
	if err != nil {
		return nil, err
	}
	offset := ((n - 1) / 2) % len(tickers)
	seq := make([]string, 3)
	for i := range seq {
		seq[i] = tickers[(offset+i)%len(tickers)]
	}
	return seq, nil
}

// NewParticipant derives a participant record from its id.
func NewParticipant(participantID string) (*Participant, error) {
	group, err := GroupFor(participantID)
	if err != nil {
		return nil, err
	}
	seq, err := TickerSequence(participantID)
	if err != nil {
		return nil, err
	}
	return &Participant{
		ID:           participantID,
		Group:        group,
		Phase1Ticker: seq[0],
		Phase2Ticker: seq[1],
		Phase3Ticker: seq[2],
	}, nil
}
