package module

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// staticRegistry holds every compile-time-registered Module, keyed by the
// name used after the "builtin:" prefix in --module=builtin:<name>.
var (
	staticMu       sync.Mutex
	staticRegistry = map[string]func() Module{}
)

// Register adds a builder for a named static module. Called from init()
// functions in this package and from _test.go files that need a bespoke
// stub. Registering the same name twice panics — it indicates a packaging
// mistake, not a runtime condition.
func Register(name string, build func() Module) {
	staticMu.Lock()
	defer staticMu.Unlock()
	if _, exists := staticRegistry[name]; exists {
		panic(fmt.Sprintf("module: static module %q already registered", name))
	}
	staticRegistry[name] = build
}

// LoadStatic builds the named static module, for use by the "builtin:"
// escape hatch and by every test in this repository.
func LoadStatic(name string) (Module, error) {
	staticMu.Lock()
	build, ok := staticRegistry[name]
	staticMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("module: no static module registered as %q", name)
	}
	return build(), nil
}

func init() {
	Register("counter", func() Module { return newCounterModule() })
}

// counterModule is the reference static module used by package tests and by
// the orchestrator's integration tests. Its job-manager side generates a
// fixed count of 8-byte little-endian task payloads; its worker side
// doubles the encoded value; its committer side sums every committed
// result into the final job result.
type counterModule struct{}

func newCounterModule() *counterModule { return &counterModule{} }

type counterJMState struct {
	mu       sync.Mutex
	total    int64
	next     int64
	finished bool
}

// counterDefaultTaskCount is the task count JobManagerNew falls back to
// when jobInfo isn't a valid 8-byte count.
const counterDefaultTaskCount = 10

func (m *counterModule) JobManagerNew(argv []string, jobInfo []byte) (JMState, error) {
	total := int64(counterDefaultTaskCount)
	if len(jobInfo) == 8 {
		total = int64(binary.LittleEndian.Uint64(jobInfo))
	}
	return &counterJMState{total: total}, nil
}

func (m *counterModule) NextTask(state JMState, ctx int64) (bool, []byte, int64, error) {
	st := state.(*counterJMState)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.next >= st.total {
		st.finished = true
		return false, nil, ctx, nil
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(st.next))
	st.next++
	return true, buf, ctx, nil
}

func (m *counterModule) FinalizeJM(state JMState) {}

type counterWorkerState struct{}

func (m *counterModule) WorkerNew(argv []string) (WorkerState, error) {
	return &counterWorkerState{}, nil
}

func (m *counterModule) WorkerRun(state WorkerState, task []byte, ctx int64) (int, []byte, int64, error) {
	if len(task) != 8 {
		return 1, nil, ctx, fmt.Errorf("module: counter task payload must be 8 bytes, got %d", len(task))
	}
	v := binary.LittleEndian.Uint64(task)
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v*2)
	return 0, out, ctx, nil
}

func (m *counterModule) FinalizeWorker(state WorkerState) {}

type counterCommitterState struct {
	mu  sync.Mutex
	sum int64
}

func (m *counterModule) CommitterNew(argv []string, jobInfo []byte) (CommitterState, error) {
	return &counterCommitterState{}, nil
}

func (m *counterModule) CommitPit(state CommitterState, result []byte) (int, error) {
	if len(result) != 8 {
		return 1, fmt.Errorf("module: counter result payload must be 8 bytes, got %d", len(result))
	}
	st := state.(*counterCommitterState)
	st.mu.Lock()
	st.sum += int64(binary.LittleEndian.Uint64(result))
	st.mu.Unlock()
	return 0, nil
}

func (m *counterModule) CommitJob(state CommitterState, ctx int64) (int, []byte, int64, error) {
	st := state.(*counterCommitterState)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(st.sum))
	return 0, out, ctx, nil
}

func (m *counterModule) FinalizeCommitter(state CommitterState) {}
