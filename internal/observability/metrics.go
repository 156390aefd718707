package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Registry holds in-process counters and gauges rendered on /metrics.
type Registry struct {
	mu       sync.Mutex
	counters map[string]point
	gauges   map[string]point
}

type point struct {
	name   string
	labels map[string]string
	value  float64
}

func NewRegistry() *Registry {
	return &Registry{counters: map[string]point{}, gauges: map[string]point{}}
}

var Default = NewRegistry()

func (r *Registry) Inc(name string, labels map[string]string) {
	r.Add(name, labels, 1)
}

func (r *Registry) Add(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	key, copied := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.counters[key]
	if !ok {
		p = point{name: name, labels: copied}
	}
	p.value += delta
	r.counters[key] = p
}

func (r *Registry) Set(name string, labels map[string]string, value float64) {
	key, copied := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] = point{name: name, labels: copied, value: value}
}

// Value returns the current value of a counter or gauge series.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	key, _ := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.counters[key]; ok {
		return p.value
	}
	return r.gauges[key].value
}

// RenderPrometheus renders every series in the text exposition format,
// sorted for stable output.
func (r *Registry) RenderPrometheus() string {
	r.mu.Lock()
	lines := make([]string, 0, len(r.counters)+len(r.gauges))
	for _, p := range r.counters {
		lines = append(lines, promLine(p))
	}
	for _, p := range r.gauges {
		lines = append(lines, promLine(p))
	}
	r.mu.Unlock()
	sort.Strings(lines)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func seriesKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		keys = append(keys, k)
		copied[k] = v
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String(), copied
}

func promLine(p point) string {
	name := sanitize(p.name)
	value := strconv.FormatFloat(p.value, 'f', -1, 64)
	if len(p.labels) == 0 {
		return name + " " + value
	}
	keys := make([]string, 0, len(p.labels))
	for k := range p.labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitize(k), p.labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), value)
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "podline_metric"
	}
	out := []rune(name)
	for i, r := range out {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			out[i] = '_'
		}
	}
	return string(out)
}
