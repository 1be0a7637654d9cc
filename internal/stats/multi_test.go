package stats

import "testing"

type countingCollector struct {
	counters   map[string]int64
	gauges     map[string]int64
	histograms map[string]int
}

func newCountingCollector() *countingCollector {
	return &countingCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]int),
	}
}

func (c *countingCollector) IncCounter(name string, delta int64)         { c.counters[name] += delta }
func (c *countingCollector) SetGauge(name string, value int64)           { c.gauges[name] = value }
func (c *countingCollector) ObserveHistogram(name string, value float64) { c.histograms[name]++ }

func TestMulti_FansOut(t *testing.T) {
	a, b := newCountingCollector(), newCountingCollector()
	m := Multi{a, b, NewNoop()}

	m.IncCounter(MetricCacheHits, 2)
	m.SetGauge(MetricBackendState, 2)
	m.ObserveHistogram(MetricFetchSeconds, 0.1)

	for i, c := range []*countingCollector{a, b} {
		if c.counters[MetricCacheHits] != 2 {
			t.Errorf("collector %d: counter = %d, want 2", i, c.counters[MetricCacheHits])
		}
		if c.gauges[MetricBackendState] != 2 {
			t.Errorf("collector %d: gauge = %d, want 2", i, c.gauges[MetricBackendState])
		}
		if c.histograms[MetricFetchSeconds] != 1 {
			t.Errorf("collector %d: histogram observations = %d, want 1", i, c.histograms[MetricFetchSeconds])
		}
	}
}
