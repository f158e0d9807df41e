package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// PatternInferenceConfig configures the pattern-inference strategy: given a
// sample of already-known URLs, it infers a trailing numeric run and
// generates candidates across a bounded window for verification by the
// fetcher. Date patterns are not inferred.
type PatternInferenceConfig struct {
	KnownURLs []string `json:"known_urls"`
	Window    int      `json:"window"`
}

var numericSuffix = regexp.MustCompile(`^(.*?)(\d+)(\.[A-Za-z0-9]+)?$`)

// PatternInference infers a numeric sequence from KnownURLs and proposes
// the Window numbers directly above the highest observed number, zero-padded
// to that number's width.
type PatternInference struct{}

// NewPatternInference builds a PatternInference strategy.
func NewPatternInference() *PatternInference {
	return &PatternInference{}
}

// Discover implements Strategy. It never calls a fetcher itself: the
// generated candidates are handed back to the engine to verify via the
// ordinary claim/fetch cycle, same as any other discovery method.
func (p *PatternInference) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg PatternInferenceConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode pattern-inference config: %w", err)
	}
	if cfg.Window <= 0 {
		cfg.Window = 10
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		p.run(ctx, cfg, out)
	}()
	return out, nil
}

func (p *PatternInference) run(ctx context.Context, cfg PatternInferenceConfig, out chan<- Candidate) {
	var maxSeen int
	var prefix, suffix string
	var width int
	found := false

	for _, known := range cfg.KnownURLs {
		m := numericSuffix.FindStringSubmatch(known)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if !found || n > maxSeen {
			maxSeen = n
			prefix = m[1]
			suffix = m[3]
			width = len(m[2])
			found = true
		}
	}
	if !found {
		return
	}

	for i := maxSeen + 1; i <= maxSeen+cfg.Window; i++ {
		candidateURL := fmt.Sprintf("%s%s%s", prefix, padNumber(i, width), suffix)
		if !send(ctx, out, Candidate{URL: candidateURL, DiscoveryMethod: "pattern_inference"}) {
			return
		}
	}
}

func padNumber(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
