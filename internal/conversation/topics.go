package conversation

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// TopicMatcher resolves loosely typed or transcribed topic names. A topic
// whose words share a Double Metaphone code with the input is accepted above
// the phonetic threshold; otherwise plain Jaro-Winkler similarity must clear
// the stricter fuzzy threshold. It is read-only after construction.
type TopicMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// MatcherOption is a functional option for [TopicMatcher].
type MatcherOption func(*TopicMatcher)

// WithPhoneticThreshold sets the minimum similarity for phonetic matches.
// Default: 0.70.
func WithPhoneticThreshold(v float64) MatcherOption {
	return func(m *TopicMatcher) { m.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum similarity when nothing matches
// phonetically. Default: 0.85.
func WithFuzzyThreshold(v float64) MatcherOption {
	return func(m *TopicMatcher) { m.fuzzyThreshold = v }
}

// NewTopicMatcher returns a matcher with default thresholds.
func NewTopicMatcher(opts ...MatcherOption) *TopicMatcher {
	m := &TopicMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the topic most similar to input.
func (m *TopicMatcher) Match(input string, topics []string) (string, bool) {
	in := strings.Fields(strings.ToLower(input))
	if len(in) == 0 {
		return "", false
	}
	inCodes := metaphones(in)

	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	for _, topic := range topics {
		words := strings.Fields(strings.ToLower(topic))
		if len(words) == 0 {
			continue
		}
		score := similarity(in, words)
		if sharesCode(inCodes, metaphones(words)) {
			if score >= m.phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = topic, score, true
			}
			continue
		}
		if !phonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = topic, score
		}
	}
	return best, best != ""
}

// metaphones returns the primary and secondary Double Metaphone codes of
// every word.
func metaphones(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(words))
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func sharesCode(a, b map[string]struct{}) bool {
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score between the full phrases, the
// phrases without spaces, and any single pair of words.
func similarity(in, topic []string) float64 {
	score := matchr.JaroWinkler(strings.Join(in, " "), strings.Join(topic, " "), false)
	if s := matchr.JaroWinkler(strings.Join(in, ""), strings.Join(topic, ""), false); s > score {
		score = s
	}
	for _, a := range in {
		for _, b := range topic {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
