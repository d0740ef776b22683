package retrieval

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/finrisklabs/finrisk/internal/sim"
)

// Mock scenarios. Unknown names fall back to ScenarioHappyPath.
const (
	ScenarioHappyPath       = "happy_path"
	ScenarioSlowProcessing  = "slow_processing"
	ScenarioEmptyCompleted  = "empty_completed"
	ScenarioFailedRetrieval = "failed_retrieval"
	ScenarioLimitReached    = "limit_reached"
	ScenarioMixedRelevance  = "mixed_relevance"
	ScenarioLongContext     = "long_context"
)

// Scenarios lists every supported mock scenario.
func Scenarios() []string {
	return []string{
		ScenarioHappyPath,
		ScenarioSlowProcessing,
		ScenarioEmptyCompleted,
		ScenarioFailedRetrieval,
		ScenarioLimitReached,
		ScenarioMixedRelevance,
		ScenarioLongContext,
	}
}

type mockTopic struct {
	key       string
	title     string
	path      string
	templates []string
}

var topicLibrary = []mockTopic{
	{
		key:   "regulatory",
		title: "Item 1A. Risk Factors - Regulatory and Compliance",
		path:  "PART I > ITEM 1A. Risk Factors > Regulatory",
		templates: []string{
			"{ticker} indicates that {focus} may increase compliance costs across {region} and create legal exposure if control frameworks lag.",
			"Management notes evolving privacy, AI, and cross-border data rules that may delay launches and require additional audit coverage.",
			"The filing cites policy divergence across jurisdictions as a source of execution friction and periodic remediation spend.",
		},
	},
	{
		key:   "cyber",
		title: "Item 1A. Risk Factors - Technology and Cybersecurity",
		path:  "PART I > ITEM 1A. Risk Factors > Technology",
		templates: []string{
			"{ticker} reports that cyber incidents, service outages, and third-party software defects could weaken customer trust and require significant recovery costs.",
			"The filing emphasizes dependency on secure identity, telemetry, and incident-response systems to preserve business continuity.",
			"Management highlights increased attack surface from cloud-scale infrastructure and supply-chain software integrations.",
		},
	},
	{
		key:   "operations",
		title: "Item 7. Management's Discussion and Analysis - Operational Risks",
		path:  "PART II > ITEM 7. MD&A > Operating Context",
		templates: []string{
			"Operational performance remains sensitive to demand shifts in {region}, execution bottlenecks, and partner dependencies tied to {focus}.",
			"The company notes that uneven capacity planning can pressure service levels and extend delivery timelines in strategic segments.",
			"Leadership frames resilience programs as necessary to reduce volatility from external providers and constrained talent pools.",
		},
	},
	{
		key:   "supply_chain",
		title: "Item 1. Business - Supply Chain and External Dependencies",
		path:  "PART I > ITEM 1. Business > Supply Chain",
		templates: []string{
			"{ticker} describes exposure to supplier concentration, logistics volatility, and input-cost inflation that may affect margin and fulfillment.",
			"The filing references geopolitical disruptions and long lead times for specialized components as recurring operational risks.",
			"Management indicates continuity planning for critical vendors, but acknowledges potential delivery and quality variability.",
		},
	},
	{
		key:   "financial",
		title: "Item 7A. Quantitative and Qualitative Market Risk",
		path:  "PART II > ITEM 7A. Market Risk",
		templates: []string{
			"Foreign exchange, rate movements, and commodity variability could alter cost structure and reduce forecasting confidence.",
			"The company reports that macro uncertainty may affect enterprise spending cycles and near-term demand conversion.",
			"Management identifies sensitivity to capital-market conditions that can influence investment pace and risk appetite.",
		},
	},
}

// scenarioOverrideRE matches an inline scenario override for manual tests:
// "scenario:empty_completed::what are key risks?"
var scenarioOverrideRE = regexp.MustCompile(`(?i)^\s*scenario:([a-z_]+)::(.*)$`)

// MockEngine is a deterministic stand-in for PageIndex. Node content is a
// pure function of (seed salt, ticker, query, scenario), so repeated runs
// of a study task see identical retrieval results.
type MockEngine struct {
	scenario string
	seedSalt string
}

// NewMockEngine creates an engine pinned to a scenario. The seed salt
// partitions deterministic output between deployments; it defaults to
// "finrisk" when empty.
func NewMockEngine(scenario, seedSalt string) *MockEngine {
	salt := strings.TrimSpace(seedSalt)
	if salt == "" {
		salt = "finrisk"
	}
	return &MockEngine{
		scenario: strings.ToLower(strings.TrimSpace(scenario)),
		seedSalt: salt,
	}
}

// Retrieve synthesizes retrieval output for the ticker and query. The
// failure scenarios return an *Error carrying the upstream status they
// imitate; every other scenario completes.
func (m *MockEngine) Retrieve(_ context.Context, ticker, query string) (*Result, error) {
	scenario, cleanQuery := m.effectiveScenario(query)

	switch scenario {
	case ScenarioFailedRetrieval:
		return nil, &Error{Message: "mock retrieval failed (scenario=failed_retrieval)", StatusCode: http.StatusBadGateway}
	case ScenarioLimitReached:
		return nil, &Error{Message: "LimitReached", StatusCode: http.StatusTooManyRequests}
	}

	retrievalID := "sr-mock-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:18]

	seed := sim.StableSeed(m.seedSalt, ticker, cleanQuery, scenario)
	rng := rand.New(rand.NewSource(seed))
	faker := sim.NewFaker(rng)

	var raw []RawNode
	if scenario != ScenarioEmptyCompleted {
		raw = m.buildRawNodes(strings.ToUpper(ticker), cleanQuery, scenario, rng, faker)
	}

	return &Result{
		RetrievalID: retrievalID,
		Nodes:       NormalizeNodes(strings.ToUpper(ticker), raw),
	}, nil
}

// effectiveScenario applies any inline override and normalizes unknown
// scenarios to happy_path.
func (m *MockEngine) effectiveScenario(query string) (string, string) {
	scenario := m.scenario
	cleanQuery := query
	if match := scenarioOverrideRE.FindStringSubmatch(query); match != nil {
		scenario = strings.ToLower(strings.TrimSpace(match[1]))
		cleanQuery = strings.TrimSpace(match[2])
	}
	for _, known := range Scenarios() {
		if scenario == known {
			return scenario, cleanQuery
		}
	}
	return ScenarioHappyPath, cleanQuery
}

func (m *MockEngine) buildRawNodes(ticker, query, scenario string, rng *rand.Rand, faker *sim.Faker) []RawNode {
	var nodeCount int
	switch scenario {
	case ScenarioLongContext:
		nodeCount = 9 + rng.Intn(4)
	case ScenarioMixedRelevance:
		nodeCount = 6 + rng.Intn(4)
	default:
		nodeCount = 4 + rng.Intn(5)
	}

	focus := focusPhrase(query)
	basePage := 12 + rng.Intn(6)

	nodeIDs := make([]string, nodeCount)
	for i := range nodeIDs {
		nodeIDs[i] = fmt.Sprintf("%04d", i+1)
	}

	raw := make([]RawNode, 0, nodeCount)
	for idx, nodeID := range nodeIDs {
		topic := topicLibrary[idx%len(topicLibrary)]

		relevantCount := 1
		switch scenario {
		case ScenarioHappyPath, ScenarioSlowProcessing, ScenarioMixedRelevance:
			if idx%3 == 0 {
				relevantCount = 2
			}
		case ScenarioLongContext:
			relevantCount = 2
			if idx%2 == 0 {
				relevantCount = 3
			}
		}

		contents := make([]RawContent, 0, relevantCount)
		for contentIndex := 0; contentIndex < relevantCount; contentIndex++ {
			contents = append(contents, RawContent{
				ContentIndex:    contentIndex,
				PageIndex:       basePage + idx*2 + contentIndex,
				RelevantContent: m.composeContent(ticker, focus, query, topic, scenario, rng, faker),
			})
		}

		raw = append(raw, RawNode{
			NodeID:           nodeID,
			Title:            topic.title,
			Path:             topic.path,
			RelevantContents: contents,
		})
	}
	return raw
}

func (m *MockEngine) composeContent(ticker, focus, query string, topic mockTopic, scenario string, rng *rand.Rand, faker *sim.Faker) string {
	if scenario == ScenarioMixedRelevance && rng.Float64() < 0.32 {
		return fmt.Sprintf(
			"Context note: %s updated internal reporting rhythms in %s. This disclosure has weak direct relevance to '%s'.",
			faker.Company(), faker.City(), query)
	}

	template := topic.templates[rng.Intn(len(topic.templates))]
	rendered := strings.NewReplacer(
		"{ticker}", ticker,
		"{focus}", focus,
		"{region}", faker.Region(),
	).Replace(template)

	sentenceTwo := fmt.Sprintf(
		"Supporting detail from %s and %s operations indicates continued dependence on third-party controls and execution quality.",
		faker.Country(), faker.City())

	if scenario != ScenarioLongContext {
		return rendered + " " + sentenceTwo
	}

	sentenceThree := "The filing also describes scenario planning assumptions, governance checkpoints, and " +
		"contingency actions that may influence timeline and cost outcomes under stressed conditions."
	return strings.Join([]string{rendered, sentenceTwo, sentenceThree, faker.Sentence(16)}, " ")
}

// focusPhrase condenses the query into a phrase usable inside generated
// sentences: whitespace collapsed, capped at 140 runes.
func focusPhrase(query string) string {
	cleaned := strings.Join(strings.Fields(query), " ")
	if cleaned == "" {
		return "the requested risk area"
	}
	runes := []rune(cleaned)
	if len(runes) > 140 {
		return string(runes[:140])
	}
	return cleaned
}
