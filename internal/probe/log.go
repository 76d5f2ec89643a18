package probe

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/Paintersrp/procwatch/internal/config"
)

// logProber latches ready on the first matching line of the current child.
type logProber struct {
	pattern *regexp.Regexp
	sources map[string]bool
	levels  map[string]bool

	once    sync.Once
	matched chan struct{}
}

func newLogProber(spec *config.LogProbeSpec) (*logProber, error) {
	pattern, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, err
	}
	return &logProber{
		pattern: pattern,
		sources: lowerSet(spec.Sources),
		levels:  lowerSet(spec.Levels),
		matched: make(chan struct{}),
	}, nil
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}

func (p *logProber) Probe(ctx context.Context) error {
	select {
	case <-p.matched:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *logProber) ObserveLog(entry LogEntry) {
	if p.Ready() {
		return
	}
	if len(p.sources) > 0 && !p.sources[strings.ToLower(entry.Source)] {
		return
	}
	if len(p.levels) > 0 && !p.levels[strings.ToLower(entry.Level)] {
		return
	}
	if p.pattern.MatchString(entry.Message) {
		p.once.Do(func() { close(p.matched) })
	}
}

func (p *logProber) Ready() bool {
	select {
	case <-p.matched:
		return true
	default:
		return false
	}
}

var (
	_ LogObserver   = (*logProber)(nil)
	_ readyReporter = (*logProber)(nil)
)
