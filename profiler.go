package vtex

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// smoothing weight of the latest sample in Smoothed
const profilerAlpha = 0.1

// Profiler keeps the CPU time of the last frame's stages, an exponential
// average of them and a set of counters. It is not safe for concurrent use.
type Profiler struct {
	Scopes     map[string]time.Duration
	Smoothed   map[string]time.Duration
	StartTimes map[string]time.Time
	Counts     map[string]int
	Order      []string
}

func NewProfiler() *Profiler {
	return &Profiler{
		Scopes:     make(map[string]time.Duration),
		Smoothed:   make(map[string]time.Duration),
		StartTimes: make(map[string]time.Time),
		Counts:     make(map[string]int),
		Order:      make([]string, 0),
	}
}

func (p *Profiler) BeginScope(name string) {
	p.StartTimes[name] = time.Now()
	for _, n := range p.Order {
		if n == name {
			return
		}
	}
	p.Order = append(p.Order, name)
}

func (p *Profiler) EndScope(name string) {
	start, ok := p.StartTimes[name]
	if !ok {
		return
	}
	d := time.Since(start)
	p.Scopes[name] = d
	if prev, ok := p.Smoothed[name]; ok {
		p.Smoothed[name] = prev + time.Duration(profilerAlpha*float64(d-prev))
	} else {
		p.Smoothed[name] = d
	}
}

func (p *Profiler) SetCount(name string, count int) {
	p.Counts[name] = count
}

func (p *Profiler) AddCount(name string, delta int) {
	p.Counts[name] += delta
}

// Total is the sum of the smoothed stage times.
func (p *Profiler) Total() time.Duration {
	var t time.Duration
	for _, d := range p.Smoothed {
		t += d
	}
	return t
}

// Reset clears the last frame's times; averages and counters persist.
func (p *Profiler) Reset() {
	for k := range p.Scopes {
		p.Scopes[k] = 0
	}
}

func (p *Profiler) GetStatsString() string {
	var sb strings.Builder

	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.Order {
		ms := float64(p.Scopes[name].Microseconds()) / 1000.0
		avg := float64(p.Smoothed[name].Microseconds()) / 1000.0
		sb.WriteString(fmt.Sprintf("  %-15s: %.2f ms (avg %.2f)\n", name, ms, avg))
	}

	sb.WriteString("\nStats:\n")
	keys := make([]string, 0, len(p.Counts))
	for k := range p.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("  %-15s: %d\n", k, p.Counts[k]))
	}

	return sb.String()
}
