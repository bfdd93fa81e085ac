package session

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		got := NextBackoffDelay(cfg, 3, rng)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestConfigWithDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Mode: " Simplex ", MaxPayload: 1 << 20}.WithDefaults()
	if cfg.Mode != ModeSimplex {
		t.Fatalf("mode not normalized: %q", cfg.Mode)
	}
	if cfg.MaxInFlight != DefaultConfig().MaxInFlight || cfg.SimplexPolicy != SimplexReject {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.MaxPayload != 0xFFFF {
		t.Fatalf("max payload not clamped: %d", cfg.MaxPayload)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bad := DefaultConfig()
	bad.Mode = "duplex"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	bad = DefaultConfig()
	bad.SimplexPolicy = "drop"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSimplexPolicy) {
		t.Fatalf("expected ErrInvalidSimplexPolicy, got %v", err)
	}
}

func TestTableAllocatorSkipsLiveAndTombstoned(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	now := time.Unix(1700000000, 0)
	tbl.insert(&Pending{id: 0, deadline: now.Add(time.Second)})
	tbl.tombstone(1, now.Add(time.Minute))
	id, ok := tbl.allocate()
	if !ok || id != 2 {
		t.Fatalf("expected id 2, got %d ok=%v", id, ok)
	}

	tbl.next = math.MaxUint32
	id, _ = tbl.allocate()
	if id != math.MaxUint32 {
		t.Fatalf("expected max id, got %d", id)
	}
	id, _ = tbl.allocate()
	if id != 2 {
		t.Fatalf("expected wrap past live/tombstoned ids to 2, got %d", id)
	}
}

func TestTableExpireTombstonesAndForgets(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	now := time.Unix(1700000000, 0)
	a := &Pending{id: 7, op: protocol.OpPing, deadline: now.Add(-time.Millisecond)}
	b := &Pending{id: 8, op: protocol.OpPing, deadline: now.Add(time.Hour)}
	tbl.insert(a)
	tbl.insert(b)

	expired := tbl.expire(now, time.Second)
	if len(expired) != 1 || expired[0] != a {
		t.Fatalf("unexpected expired set: %v", expired)
	}
	if list := tbl.list(); len(list) != 1 || list[0].ID != 8 || list[0].Opcode != "ping" {
		t.Fatalf("unexpected live list: %+v", list)
	}
	if !tbl.clearTomb(7) {
		t.Fatalf("expected tombstone for id 7")
	}
	if tbl.clearTomb(7) {
		t.Fatalf("tombstone cleared twice")
	}

	tbl.tombstone(9, now.Add(time.Second))
	tbl.expire(now.Add(2*time.Second), time.Second)
	if tbl.clearTomb(9) {
		t.Fatalf("stale tombstone not expired")
	}
	if tbl.remove(a) {
		t.Fatalf("removed an entry that is no longer live")
	}
	if !tbl.remove(b) {
		t.Fatalf("expected live entry removal")
	}
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		resp *protocol.Response
		err  error
		want Result
	}{
		{protocol.NewDataResponse(1, nil), nil, ResultOK},
		{protocol.NewErrorResponse(1, protocol.CodeKeyNotFound), nil, ResultRemoteError},
		{nil, &protocol.LocalError{Op: "wait", Err: ErrResponseTimeout}, ResultTimeout},
		{nil, &protocol.LocalError{Op: "wait", Err: ErrCanceled}, ResultCanceled},
		{nil, &protocol.LocalError{Op: "transfer", Err: ErrConnectionClosed}, ResultClosed},
		{nil, &protocol.LocalError{Op: "decode", Err: protocol.ErrMalformedResponse}, ResultMalformed},
	}
	for _, tc := range cases {
		if got := Classify(tc.resp, tc.err); got != tc.want {
			t.Fatalf("classify(%v, %v) got=%s want=%s", tc.resp, tc.err, got, tc.want)
		}
	}
}

type countingRecorder struct {
	mu        sync.Mutex
	submitted int
	results   map[Result]int
	late      int
	served    map[protocol.ErrorCode]int
	closed    map[Role]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		results: make(map[Result]int),
		served:  make(map[protocol.ErrorCode]int),
		closed:  make(map[Role]int),
	}
}

func (r *countingRecorder) RequestSubmitted(protocol.Opcode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
}

func (r *countingRecorder) RequestResolved(_ protocol.Opcode, res Result, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res]++
}

func (r *countingRecorder) LateResponse() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.late++
}

func (r *countingRecorder) RequestServed(_ protocol.Opcode, code protocol.ErrorCode, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.served[code]++
}

func (r *countingRecorder) ConnectionClosed(role Role, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[role]++
}

func (r *countingRecorder) lateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.late
}

func (r *countingRecorder) result(res Result) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[res]
}

func (r *countingRecorder) servedCount(code protocol.ErrorCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.served[code]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
