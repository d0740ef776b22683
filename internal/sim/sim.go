// Package sim provides the deterministic primitives behind the mock
// retrieval and summary engines: a stable seed derivation and a tiny
// fake-data generator driven by a caller-owned rand source.
package sim

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"strings"
)

// StableSeed derives a 32-bit seed from the given parts. Parts are
// trimmed, lowercased, and joined with "::" before hashing, so callers get
// the same seed for inputs differing only in case or padding.
func StableSeed(parts ...string) int64 {
	normalized := make([]string, len(parts))
	for i, part := range parts {
		normalized[i] = strings.ToLower(strings.TrimSpace(part))
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "::")))
	return int64(binary.BigEndian.Uint32(sum[len(sum)-4:]))
}

// Faker generates plausible filler values from fixed word lists. All
// randomness comes from the injected rand.Rand, so output is reproducible
// for a fixed seed.
type Faker struct {
	rng *rand.Rand

	companies []string
	cities    []string
	countries []string
	regions   []string
	words     []string
}

// NewFaker creates a Faker over the given source.
func NewFaker(rng *rand.Rand) *Faker {
	return &Faker{
		rng: rng,
		companies: []string{
			"Northwind Dynamics",
			"Granite Cloud Systems",
			"Summit Horizon Labs",
			"Blue Harbor Technologies",
			"Evercrest Holdings",
			"Vector Peak Analytics",
		},
		cities:    []string{"Seattle", "Austin", "Chicago", "London", "Singapore", "Dublin"},
		countries: []string{"United States", "United Kingdom", "Germany", "Japan", "Singapore", "Canada"},
		regions:   []string{"North America", "EMEA", "APAC", "Latin America"},
		words: []string{
			"operational",
			"resilience",
			"compliance",
			"platform",
			"security",
			"forecast",
			"execution",
			"continuity",
			"governance",
			"oversight",
			"dependency",
			"scalability",
		},
	}
}

func (f *Faker) pick(list []string) string {
	return list[f.rng.Intn(len(list))]
}

// Company returns a fictional company name.
func (f *Faker) Company() string { return f.pick(f.companies) }

// City returns a city name.
func (f *Faker) City() string { return f.pick(f.cities) }

// Country returns a country name.
func (f *Faker) Country() string { return f.pick(f.countries) }

// Region returns a sales-region name.
func (f *Faker) Region() string { return f.pick(f.regions) }

// Sentence returns a capitalized sentence of roughly n words, minimum 5.
func (f *Faker) Sentence(n int) string {
	if n < 5 {
		n = 5
	}
	words := make([]string, n)
	for i := range words {
		words[i] = f.pick(f.words)
	}
	s := strings.Join(words, " ")
	return strings.ToUpper(s[:1]) + s[1:] + "."
}
