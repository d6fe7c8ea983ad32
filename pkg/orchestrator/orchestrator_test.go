package orchestrator_test

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/orchestrator"
	"github.com/taskrun/spits/pkg/taskpool"
	"github.com/taskrun/spits/pkg/tmserver"
	"github.com/taskrun/spits/pkg/wire"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// startTMWithCapacity boots a real tmserver against a bounded pool and
// appends its address to root/nodes.txt so the next registry reload picks
// it up. startWorkers=false leaves the pool's worker goroutines unstarted,
// so anything pushed into it sits in the queue forever untouched — used to
// model a TM whose workers have died without killing the test process.
func startTMWithCapacity(t *testing.T, root string, maxThreads, overfill int, startWorkers bool) string {
	t.Helper()
	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	pool := taskpool.New(mod, maxThreads, overfill)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JobID = "job-orch"
	cfg.BindAddr = host
	cfg.BindPort = port

	srv := tmserver.New(&cfg, pool)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()
	if startWorkers {
		pool.Start(ctx)
	}

	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	existing, _ := os.ReadFile(filepath.Join(root, "nodes.txt"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nodes.txt"),
		append(existing, []byte("node "+addr+"\n")...), 0o644))

	return addr
}

func startTM(t *testing.T, root string) {
	t.Helper()
	startTMWithCapacity(t, root, 2, 1, true)
}

func sumFirstN(n int64) int64 {
	var want int64
	for i := int64(0); i < n; i++ {
		want += i * 2
	}
	return want
}

func TestOrchestratorRunsTwoRunsInSequence(t *testing.T) {
	root := t.TempDir()
	startTM(t, root)

	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JobID = "job-orch"
	cfg.SendBackoff = 10 * time.Millisecond
	cfg.RecvBackoff = 10 * time.Millisecond

	orc := orchestrator.New(&cfg, mod, root)

	jobInfo := make([]byte, 8)
	binary.LittleEndian.PutUint64(jobInfo, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, result, err := orc.RunCallback(ctx, nil, jobInfo)
	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Equal(t, sumFirstN(5), int64(binary.LittleEndian.Uint64(result)))

	status2, result2, err := orc.RunCallback(ctx, nil, jobInfo)
	require.NoError(t, err)
	assert.Zero(t, status2)
	assert.Equal(t, sumFirstN(5), int64(binary.LittleEndian.Uint64(result2)))
}

func TestOrchestratorKillTMsIsHarmlessWithEmptyRegistry(t *testing.T) {
	root := t.TempDir()
	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	cfg := config.Default()
	orc := orchestrator.New(&cfg, mod, root)

	orc.KillTMs(context.Background())
}

// Single TM, ten tasks: the baseline happy path, using the counter module's
// default task count.
func TestOrchestratorSingleTMTenTasksAllCommitted(t *testing.T) {
	root := t.TempDir()
	startTM(t, root)

	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JobID = "job-orch"
	cfg.SendBackoff = 10 * time.Millisecond
	cfg.RecvBackoff = 10 * time.Millisecond

	orc := orchestrator.New(&cfg, mod, root)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, result, err := orc.RunCallback(ctx, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Equal(t, sumFirstN(10), int64(binary.LittleEndian.Uint64(result)))
}

// Two TMs, one with dead workers: tasks that land on the stuck TM are
// resubmitted and eventually land on the healthy one, so the run still
// commits every task exactly once.
func TestOrchestratorTwoTMsCrashAndResubmit(t *testing.T) {
	root := t.TempDir()
	startTMWithCapacity(t, root, 2, 0, false) // workers never start: tasks stall here
	startTMWithCapacity(t, root, 4, 4, true)  // healthy TM, picks up resubmissions

	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JobID = "job-orch"
	cfg.SendBackoff = 10 * time.Millisecond
	cfg.RecvBackoff = 10 * time.Millisecond

	orc := orchestrator.New(&cfg, mod, root)

	jobInfo := make([]byte, 8)
	binary.LittleEndian.PutUint64(jobInfo, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	status, result, err := orc.RunCallback(ctx, nil, jobInfo)
	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Equal(t, sumFirstN(8), int64(binary.LittleEndian.Uint64(result)))
}

// A single TM with room for only one task at a time forces every push past
// the first into backpressure (SendFull) and retried cycles; the run must
// still commit all of them. A hundred tasks also walks task_id across the
// whole small-integer range, including values a too-narrow wire sentinel
// would otherwise collide with.
func TestOrchestratorTMFullBackpressureCommitsEveryTask(t *testing.T) {
	root := t.TempDir()
	startTMWithCapacity(t, root, 1, 0, true)

	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JobID = "job-orch"
	cfg.SendBackoff = 2 * time.Millisecond
	cfg.RecvBackoff = 2 * time.Millisecond

	orc := orchestrator.New(&cfg, mod, root)

	jobInfo := make([]byte, 8)
	binary.LittleEndian.PutUint64(jobInfo, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, result, err := orc.RunCallback(ctx, nil, jobInfo)
	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Equal(t, sumFirstN(100), int64(binary.LittleEndian.Uint64(result)))
}

// The TM registers itself only after the run is already underway; the
// pusher and committer must pick it up on a later registry reload rather
// than needing to be restarted.
func TestOrchestratorLateTMJoins(t *testing.T) {
	root := t.TempDir()

	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JobID = "job-orch"
	cfg.SendBackoff = 10 * time.Millisecond
	cfg.RecvBackoff = 10 * time.Millisecond

	orc := orchestrator.New(&cfg, mod, root)

	jobInfo := make([]byte, 8)
	binary.LittleEndian.PutUint64(jobInfo, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type runOutcome struct {
		status int
		result []byte
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		status, result, err := orc.RunCallback(ctx, nil, jobInfo)
		done <- runOutcome{status, result, err}
	}()

	time.Sleep(150 * time.Millisecond)
	startTM(t, root)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Zero(t, out.status)
		assert.Equal(t, sumFirstN(5), int64(binary.LittleEndian.Uint64(out.result)))
	case <-ctx.Done():
		t.Fatal("run did not complete after the late-joining TM registered")
	}
}

// mismatchModule always echoes the wrong context from NextTask, so the
// pusher must never turn it into a pending task or a committed result.
type mismatchModule struct{}

func (mismatchModule) JobManagerNew(argv []string, jobInfo []byte) (module.JMState, error) {
	return nil, nil
}

func (mismatchModule) NextTask(state module.JMState, ctx int64) (bool, []byte, int64, error) {
	return true, []byte{0, 0, 0, 0, 0, 0, 0, 0}, ctx + 1, nil
}

func (mismatchModule) WorkerNew(argv []string) (module.WorkerState, error) { return nil, nil }

func (mismatchModule) WorkerRun(state module.WorkerState, task []byte, ctx int64) (int, []byte, int64, error) {
	return 0, task, ctx, nil
}

func (mismatchModule) CommitterNew(argv []string, jobInfo []byte) (module.CommitterState, error) {
	return nil, nil
}

func (mismatchModule) CommitPit(state module.CommitterState, result []byte) (int, error) {
	return 0, nil
}

func (mismatchModule) CommitJob(state module.CommitterState, ctx int64) (int, []byte, int64, error) {
	return 0, nil, ctx, nil
}

func (mismatchModule) FinalizeJM(state module.JMState)               {}
func (mismatchModule) FinalizeWorker(state module.WorkerState)       {}
func (mismatchModule) FinalizeCommitter(state module.CommitterState) {}

func init() {
	module.Register("ctxmismatch", func() module.Module { return mismatchModule{} })
}

// A module whose NextTask never echoes back the context it was given must
// never have a task counted as pending or committed; the run just never
// finishes on its own and has to be cancelled by its caller.
func TestOrchestratorContextMismatchNeverCommitsBogusResult(t *testing.T) {
	root := t.TempDir()
	startTM(t, root)

	mod, err := module.Load("builtin:ctxmismatch")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JobID = "job-orch"
	cfg.SendBackoff = 5 * time.Millisecond
	cfg.RecvBackoff = 5 * time.Millisecond

	orc := orchestrator.New(&cfg, mod, root)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, _, err = orc.RunCallback(ctx, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// KillTMs must actually dial every registered TM and send the Terminate
// verb; a raw listener stands in for a real TM here since a real tmserver
// would exit the whole test process on receiving it.
func TestOrchestratorKillTMsSendsTerminateVerb(t *testing.T) {
	root := t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	verbCh := make(chan int64, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		e := wire.New(conn)
		deadline := time.Now().Add(2 * time.Second)
		jobID, err := e.ReadString(deadline)
		if err != nil {
			return
		}
		if err := e.WriteString(jobID, deadline); err != nil {
			return
		}
		verb, err := e.ReadInt64(deadline)
		if err != nil {
			return
		}
		verbCh <- verb
	}()

	addr := ln.Addr().String()
	require.NoError(t, os.WriteFile(filepath.Join(root, "nodes.txt"), []byte("node "+addr+"\n"), 0o644))

	mod, err := module.Load("builtin:counter")
	require.NoError(t, err)
	cfg := config.Default()
	cfg.JobID = "job-orch"
	orc := orchestrator.New(&cfg, mod, root)

	orc.KillTMs(context.Background())

	select {
	case v := <-verbCh:
		assert.Equal(t, proto.Terminate, v)
	case <-time.After(2 * time.Second):
		t.Fatal("terminate verb not received")
	}
}
