package config

import (
	"fmt"
	"regexp"
)

// CompileRegexes compiles every pattern, failing closed on the first
// invalid regex so configuration errors surface at startup rather than at
// runtime.
func CompileRegexes(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
