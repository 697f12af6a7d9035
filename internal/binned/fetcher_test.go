package binned

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soma-tiles/scatterbins/internal/hypercube"
)

// --- fakes ---

type fakeLayout struct {
	mu          sync.Mutex
	layout      hypercube.Layout
	persisted   []hypercube.DataPage
	detail      []hypercube.DataPage
	snapshot    bool
	detailCalls int
}

func (l *fakeLayout) Layout() hypercube.Layout {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.layout
}

func (l *fakeLayout) LayoutDataPages() []hypercube.DataPage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persisted
}

func (l *fakeLayout) SetLayoutDataPages(pages []hypercube.DataPage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persisted = pages
}

func (l *fakeLayout) SetDataPages(pages []hypercube.DataPage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detail = pages
	l.detailCalls++
}

func (l *fakeLayout) IsSnapshot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot
}

type fakeExtrema struct {
	mu                     sync.Mutex
	xMin, xMax, yMin, yMax float64
}

func (e *fakeExtrema) set(xMin, xMax, yMin, yMax float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.xMin, e.xMax, e.yMin, e.yMax = xMin, xMax, yMin, yMax
}

func (e *fakeExtrema) XExtrema() (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xMin, e.xMax
}

func (e *fakeExtrema) YExtrema() (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.yMin, e.yMax
}

type transportReply struct {
	pages []hypercube.DataPage
	err   error
}

type transportCall struct {
	req   hypercube.BinnedDataRequest
	reply chan transportReply
}

// blockingTransport hands every call to the test and waits for a reply.
type blockingTransport struct {
	calls       chan *transportCall
	total       atomic.Int32
	current     atomic.Int32
	maxInFlight atomic.Int32
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{calls: make(chan *transportCall, 16)}
}

func (t *blockingTransport) GetBinnedData(ctx context.Context, req hypercube.BinnedDataRequest) ([]hypercube.DataPage, error) {
	t.total.Add(1)
	n := t.current.Add(1)
	defer t.current.Add(-1)
	for {
		m := t.maxInFlight.Load()
		if n <= m || t.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	c := &transportCall{req: req, reply: make(chan transportReply, 1)}
	t.calls <- c
	r := <-c.reply
	return r.pages, r.err
}

func (t *blockingTransport) next(tb testing.TB) *transportCall {
	tb.Helper()
	select {
	case c := <-t.calls:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for transport call")
		return nil
	}
}

func (t *blockingTransport) expectIdle(tb testing.TB) {
	tb.Helper()
	select {
	case c := <-t.calls:
		tb.Fatalf("unexpected transport call: %+v", c.req)
	case <-time.After(50 * time.Millisecond):
	}
}

type countingTransport struct{ calls atomic.Int32 }

func (t *countingTransport) GetBinnedData(context.Context, hypercube.BinnedDataRequest) ([]hypercube.DataPage, error) {
	t.calls.Add(1)
	return nil, errors.New("must not be called")
}

// --- helpers ---

func binnedPages(top float64, rows ...[]hypercube.Cell) []hypercube.DataPage {
	matrix := [][]hypercube.Cell{{{Text: "total", Num: top}}}
	matrix = append(matrix, rows...)
	return []hypercube.DataPage{{Matrix: matrix}, {}}
}

func newTestFetcher(tr hypercube.Transport) (*Fetcher, *fakeLayout, *fakeExtrema) {
	l := &fakeLayout{layout: hypercube.Layout{
		HyperCube: hypercube.HyperCube{
			Size: hypercube.CubeSize{Cx: 3, Cy: 1000},
			MeasureInfo: []hypercube.MeasureInfo{
				{Title: "x", Min: 0, Max: 100},
				{Title: "y", Min: 0, Max: 100},
			},
		},
	}}
	e := &fakeExtrema{xMin: 0, xMax: 100, yMin: 0, yMax: 100}
	f := NewFetcher(FetcherConfig{Layout: l, Extrema: e, Transport: tr, MaxRows: 500})
	return f, l, e
}

type fetchOut struct {
	res *FetchResult
	err error
}

func goFetch(ctx context.Context, f *Fetcher) <-chan fetchOut {
	ch := make(chan fetchOut, 1)
	go func() {
		res, err := f.Fetch(ctx)
		ch <- fetchOut{res, err}
	}()
	return ch
}

func recv(tb testing.TB, ch <-chan fetchOut) fetchOut {
	tb.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for fetch result")
		return fetchOut{}
	}
}

// waitPending blocks until a pending slot other than prev is installed.
func waitPending(tb testing.TB, f *Fetcher, prev *pendingSlot) *pendingSlot {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		p := f.pending
		f.mu.Unlock()
		if p != nil && p != prev {
			return p
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatal("timed out waiting for pending slot")
	return nil
}

// --- tests ---

func TestFetcher_BinnedResponse(t *testing.T) {
	tr := newBlockingTransport()
	f, l, _ := newTestFetcher(tr)

	done := goFetch(context.Background(), f)
	call := tr.next(t)
	call.reply <- transportReply{pages: binnedPages(42,
		cellRow("[0,0,1,1]", 10, 1),
		cellRow("[1,1,2,2]", 5, 2),
	)}

	out := recv(t, done)
	if out.err != nil {
		t.Fatalf("Fetch: %v", out.err)
	}
	if !out.res.Binned {
		t.Error("expected binned result")
	}
	if !f.State().Binned {
		t.Error("published state should be flagged binned")
	}
	if got := f.MaxBinDensity(); got != 42 {
		t.Errorf("MaxBinDensity = %v, want 42", got)
	}
	if got := len(f.BinArray()); got != 2 {
		t.Errorf("len(BinArray) = %d, want 2", got)
	}
	if len(l.LayoutDataPages()) != 2 {
		t.Error("binned pages should be persisted")
	}
	if l.detail != nil || l.detailCalls != 1 {
		t.Errorf("detail cache should be cleared, got %v (%d calls)", l.detail, l.detailCalls)
	}
	if f.Busy() {
		t.Error("fetcher should be idle")
	}
}

func TestFetcher_RequestShape(t *testing.T) {
	tr := newBlockingTransport()
	f, l, e := newTestFetcher(tr)
	l.layout.CompressionResolution = 4
	l.layout.HyperCube.MeasureInfo[1] = hypercube.MeasureInfo{Min: 0, Max: 400}
	e.set(10, 30, 2, 6)

	done := goFetch(context.Background(), f)
	call := tr.next(t)
	call.reply <- transportReply{pages: []hypercube.DataPage{{}, {}}}
	out := recv(t, done)
	if out.err != nil {
		t.Fatalf("Fetch: %v", out.err)
	}

	req := call.req
	if req.Path != hypercube.DefaultPath || req.MaxRows != 500 || req.Flags != 0 {
		t.Errorf("unexpected request header: %+v", req)
	}
	want := hypercube.Rect{Left: 10, Top: 6, Width: 20, Height: 4}
	if len(req.TargetWindows) != 1 || req.TargetWindows[0] != want {
		t.Errorf("target windows = %+v, want %+v", req.TargetWindows, want)
	}
	if len(req.SourceWindows) != 1 || req.SourceWindows[0] != (hypercube.Rect{Width: 3, Height: 1000}) {
		t.Errorf("unexpected source windows %+v", req.SourceWindows)
	}
	// zoom = floor(sqrt(400/4)) = 10, level = min(4+9, 8)
	if out.res.Request.ZoomLevel != 10 || req.ResolutionLevel != 8 {
		t.Errorf("zoom=%d level=%d", out.res.Request.ZoomLevel, req.ResolutionLevel)
	}
}

func TestFetcher_EmptyAggregationSwitchesToDetail(t *testing.T) {
	tr := newBlockingTransport()
	f, l, _ := newTestFetcher(tr)

	// Seed bin state from an earlier binned response.
	done := goFetch(context.Background(), f)
	tr.next(t).reply <- transportReply{pages: binnedPages(9, cellRow("[0,0,1,1]", 9, 1))}
	recv(t, done)

	detail := hypercube.DataPage{Matrix: [][]hypercube.Cell{{{Text: "a"}, {Num: 1}, {Num: 2}}}}
	done = goFetch(context.Background(), f)
	tr.next(t).reply <- transportReply{pages: []hypercube.DataPage{{Matrix: [][]hypercube.Cell{}}, detail}}
	out := recv(t, done)
	if out.err != nil {
		t.Fatalf("Fetch: %v", out.err)
	}
	if out.res.Binned {
		t.Error("expected detail result")
	}
	if st := f.State(); st.Binned || len(st.Bins) != 0 || st.MaxDensity != 0 {
		t.Errorf("bin state not cleared: %+v", st)
	}
	if l.LayoutDataPages() != nil {
		t.Error("persisted pages should be cleared")
	}
	if len(l.detail) != 1 || !reflect.DeepEqual(l.detail[0], detail) {
		t.Errorf("detail pages = %+v", l.detail)
	}
}

func TestFetcher_CoalescesConcurrentCallers(t *testing.T) {
	const n = 6
	tr := newBlockingTransport()
	f, _, _ := newTestFetcher(tr)
	ctx := context.Background()

	first := goFetch(ctx, f)
	inFlight := tr.next(t)

	if f.Queued() {
		t.Fatal("no caller should be queued yet")
	}
	var queued []<-chan fetchOut
	var prev *pendingSlot
	for i := 1; i < n; i++ {
		queued = append(queued, goFetch(ctx, f))
		prev = waitPending(t, f, prev)
	}
	if !f.Queued() {
		t.Fatal("expected a queued caller")
	}

	// All queued callers but the most recent are displaced.
	for i := 0; i < len(queued)-1; i++ {
		out := recv(t, queued[i])
		if !errors.Is(out.err, ErrSuperseded) {
			t.Errorf("caller %d: err = %v, want ErrSuperseded", i+2, out.err)
		}
	}
	tr.expectIdle(t)

	inFlight.reply <- transportReply{pages: binnedPages(3, cellRow("[0,0,1,1]", 3, 1))}
	if out := recv(t, first); out.err != nil {
		t.Fatalf("first caller: %v", out.err)
	}

	chained := tr.next(t)
	chained.reply <- transportReply{pages: binnedPages(8, cellRow("[0,0,1,1]", 8, 1))}
	last := recv(t, queued[len(queued)-1])
	if last.err != nil {
		t.Fatalf("last caller: %v", last.err)
	}
	if f.MaxBinDensity() != 8 {
		t.Errorf("MaxBinDensity = %v, want 8", f.MaxBinDensity())
	}
	if f.Queued() {
		t.Error("pending slot should be empty")
	}

	tr.expectIdle(t)
	if got := tr.total.Load(); got != 2 {
		t.Errorf("transport calls = %d, want 2", got)
	}
	if got := tr.maxInFlight.Load(); got != 1 {
		t.Errorf("max in flight = %d, want 1", got)
	}
}

func TestFetcher_ChainedRequestUsesLatestExtrema(t *testing.T) {
	tr := newBlockingTransport()
	f, _, e := newTestFetcher(tr)
	ctx := context.Background()

	first := goFetch(ctx, f)
	inFlight := tr.next(t)
	queued := goFetch(ctx, f)
	waitPending(t, f, nil)

	e.set(20, 40, 50, 60)
	inFlight.reply <- transportReply{pages: []hypercube.DataPage{{}, {}}}
	recv(t, first)

	chained := tr.next(t)
	want := hypercube.Rect{Left: 20, Top: 60, Width: 20, Height: 10}
	if chained.req.TargetWindows[0] != want {
		t.Errorf("chained window = %+v, want %+v", chained.req.TargetWindows[0], want)
	}
	chained.reply <- transportReply{pages: []hypercube.DataPage{{}, {}}}
	if out := recv(t, queued); out.err != nil {
		t.Fatalf("queued caller: %v", out.err)
	}
}

func TestFetcher_TransportFailureServicesQueuedCaller(t *testing.T) {
	tr := newBlockingTransport()
	f, _, _ := newTestFetcher(tr)
	ctx := context.Background()
	boom := errors.New("engine unavailable")

	first := goFetch(ctx, f)
	inFlight := tr.next(t)
	queued := goFetch(ctx, f)
	waitPending(t, f, nil)

	inFlight.reply <- transportReply{err: boom}
	out := recv(t, first)
	if !errors.Is(out.err, boom) {
		t.Fatalf("first caller err = %v, want %v", out.err, boom)
	}

	retry := tr.next(t)
	retry.reply <- transportReply{pages: binnedPages(4, cellRow("[0,0,1,1]", 4, 1))}
	if out := recv(t, queued); out.err != nil {
		t.Fatalf("queued caller: %v", out.err)
	}

	tr.expectIdle(t)
	if got := tr.total.Load(); got != 2 {
		t.Errorf("transport calls = %d, want 2", got)
	}
	if f.Busy() {
		t.Error("fetcher wedged after failure")
	}
}

func TestFetcher_FailureWithoutQueueResets(t *testing.T) {
	tr := newBlockingTransport()
	f, _, _ := newTestFetcher(tr)

	done := goFetch(context.Background(), f)
	tr.next(t).reply <- transportReply{err: errors.New("timeout")}
	if out := recv(t, done); out.err == nil {
		t.Fatal("expected error")
	}

	done = goFetch(context.Background(), f)
	tr.next(t).reply <- transportReply{pages: nil}
	if out := recv(t, done); !errors.Is(out.err, ErrNoPages) {
		t.Fatalf("err = %v, want ErrNoPages", out.err)
	}
	if f.Busy() {
		t.Error("fetcher should be idle")
	}
}

func TestFetcher_CancelledWaiterIsWithdrawn(t *testing.T) {
	tr := newBlockingTransport()
	f, _, _ := newTestFetcher(tr)

	first := goFetch(context.Background(), f)
	inFlight := tr.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	queued := goFetch(ctx, f)
	waitPending(t, f, nil)
	cancel()
	if out := recv(t, queued); !errors.Is(out.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", out.err)
	}

	inFlight.reply <- transportReply{pages: []hypercube.DataPage{{}, {}}}
	recv(t, first)
	tr.expectIdle(t)
	if f.Busy() {
		t.Error("fetcher should be idle")
	}
}

func TestFetcher_SnapshotReplay(t *testing.T) {
	tr := &countingTransport{}
	f, l, _ := newTestFetcher(tr)
	l.snapshot = true
	l.persisted = binnedPages(42,
		cellRow("[0,0,1,1]", 42, 1),
		cellRow("oops", 1, 2),
		cellRow("[1,1,2,2]", 10, 3),
	)

	first, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	bins1 := f.BinArray()
	if _, err := f.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	bins2 := f.BinArray()

	if !first.Snapshot || !first.Binned || !f.State().Binned {
		t.Errorf("unexpected result flags %+v", first)
	}
	if len(bins1) != 2 || !reflect.DeepEqual(bins1, bins2) {
		t.Errorf("replay not idempotent: %+v vs %+v", bins1, bins2)
	}
	if f.MaxBinDensity() != 42 {
		t.Errorf("MaxBinDensity = %v", f.MaxBinDensity())
	}
	if got := tr.calls.Load(); got != 0 {
		t.Errorf("transport calls = %d, want 0", got)
	}
	if f.Busy() {
		t.Error("snapshot replay must not mark a request in flight")
	}
}

func TestFetcher_SnapshotWithoutBinnedPages(t *testing.T) {
	tr := &countingTransport{}
	f, l, _ := newTestFetcher(tr)
	l.snapshot = true

	res, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Binned || f.State().Binned || len(f.BinArray()) != 0 {
		t.Errorf("unexpected replay %+v", res)
	}
	if tr.calls.Load() != 0 {
		t.Error("transport must not be called")
	}
}
