package bench

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
)

// Latency summarizes successful and failed request round trips alike.
type Latency struct {
	Min  time.Duration `json:"min"`
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P90  time.Duration `json:"p90"`
	P99  time.Duration `json:"p99"`
	Max  time.Duration `json:"max"`
}

type Report struct {
	Opcode      string                     `json:"opcode"`
	Connections int                        `json:"connections"`
	Elapsed     time.Duration              `json:"elapsed"`
	Total       int                        `json:"total"`
	Results     map[session.Result]int     `json:"results"`
	Codes       map[protocol.ErrorCode]int `json:"codes"`
	Latency     Latency                    `json:"latency"`
}

// OK is the number of requests answered with data or a pong.
func (r *Report) OK() int {
	return r.Results[session.ResultOK]
}

// Throughput is completed requests per second.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Total) / r.Elapsed.Seconds()
}

func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "opcode:      %s\n", r.Opcode)
	fmt.Fprintf(w, "connections: %d\n", r.Connections)
	fmt.Fprintf(w, "elapsed:     %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "requests:    %d (%.1f/s)\n", r.Total, r.Throughput())
	results := make([]string, 0, len(r.Results))
	for res := range r.Results {
		results = append(results, string(res))
	}
	sort.Strings(results)
	for _, res := range results {
		fmt.Fprintf(w, "  %-13s %d\n", res, r.Results[session.Result(res)])
	}
	codes := make([]int, 0, len(r.Codes))
	for c := range r.Codes {
		codes = append(codes, int(c))
	}
	sort.Ints(codes)
	for _, c := range codes {
		code := protocol.ErrorCode(c)
		fmt.Fprintf(w, "  error %-7s %d\n", code, r.Codes[code])
	}
	l := r.Latency
	fmt.Fprintf(w, "latency:     min=%s mean=%s p50=%s p90=%s p99=%s max=%s\n", l.Min, l.Mean, l.P50, l.P90, l.P99, l.Max)
}

// collector accumulates outcomes from concurrent workers.
type collector struct {
	mu        sync.Mutex
	results   map[session.Result]int
	codes     map[protocol.ErrorCode]int
	latencies []time.Duration
}

func newCollector() *collector {
	return &collector{
		results: make(map[session.Result]int),
		codes:   make(map[protocol.ErrorCode]int),
	}
}

func (c *collector) record(resp *protocol.Response, err error, elapsed time.Duration) session.Result {
	res := session.Classify(resp, err)
	if err == nil && resp != nil {
		err = resp.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[res]++
	if code, ok := protocol.RemoteCode(err); ok {
		c.codes[code]++
	}
	c.latencies = append(c.latencies, elapsed)
	return res
}

func (c *collector) report(op protocol.Opcode, conns int, elapsed time.Duration) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Report{
		Opcode:      op.String(),
		Connections: conns,
		Elapsed:     elapsed,
		Total:       len(c.latencies),
		Results:     c.results,
		Codes:       c.codes,
		Latency:     Summarize(c.latencies),
	}
}

// Summarize sorts samples in place and reads nearest-rank percentiles.
func Summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return Latency{
		Min:  samples[0],
		Mean: sum / time.Duration(len(samples)),
		P50:  percentile(samples, 50),
		P90:  percentile(samples, 90),
		P99:  percentile(samples, 99),
		Max:  samples[len(samples)-1],
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
