package module

import (
	"fmt"
	"plugin"
	"strings"
)

// pluginModule adapts a dynamically loaded .so to the Module interface by
// looking up each ABI symbol once at load time and type-asserting it
// against the Go function signature the runtime expects.
type pluginModule struct {
	jobManagerNew     func(argv []string, jobInfo []byte) (JMState, error)
	nextTask          func(state JMState, ctx int64) (bool, []byte, int64, error)
	workerNew         func(argv []string) (WorkerState, error)
	workerRun         func(state WorkerState, task []byte, ctx int64) (int, []byte, int64, error)
	committerNew      func(argv []string, jobInfo []byte) (CommitterState, error)
	commitPit         func(state CommitterState, result []byte) (int, error)
	commitJob         func(state CommitterState, ctx int64) (int, []byte, int64, error)
	finalizeJM        func(state JMState)
	finalizeWorker    func(state WorkerState)
	finalizeCommitter func(state CommitterState)
}

// requiredSymbol names the exported identifier in the .so for each ABI
// entry point and whether it is mandatory (missing finalizers are a
// documented no-op).
type requiredSymbol struct {
	name     string
	optional bool
	bind     func(m *pluginModule, sym plugin.Symbol) error
}

var pluginSymbols = []requiredSymbol{
	{"JobManagerNew", false, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(argv []string, jobInfo []byte) (JMState, error))
		if !ok {
			return fmt.Errorf("symbol JobManagerNew has unexpected signature")
		}
		m.jobManagerNew = f
		return nil
	}},
	{"NextTask", false, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(state JMState, ctx int64) (bool, []byte, int64, error))
		if !ok {
			return fmt.Errorf("symbol NextTask has unexpected signature")
		}
		m.nextTask = f
		return nil
	}},
	{"WorkerNew", false, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(argv []string) (WorkerState, error))
		if !ok {
			return fmt.Errorf("symbol WorkerNew has unexpected signature")
		}
		m.workerNew = f
		return nil
	}},
	{"WorkerRun", false, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(state WorkerState, task []byte, ctx int64) (int, []byte, int64, error))
		if !ok {
			return fmt.Errorf("symbol WorkerRun has unexpected signature")
		}
		m.workerRun = f
		return nil
	}},
	{"CommitterNew", false, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(argv []string, jobInfo []byte) (CommitterState, error))
		if !ok {
			return fmt.Errorf("symbol CommitterNew has unexpected signature")
		}
		m.committerNew = f
		return nil
	}},
	{"CommitPit", false, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(state CommitterState, result []byte) (int, error))
		if !ok {
			return fmt.Errorf("symbol CommitPit has unexpected signature")
		}
		m.commitPit = f
		return nil
	}},
	{"CommitJob", false, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(state CommitterState, ctx int64) (int, []byte, int64, error))
		if !ok {
			return fmt.Errorf("symbol CommitJob has unexpected signature")
		}
		m.commitJob = f
		return nil
	}},
	{"FinalizeJM", true, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(state JMState))
		if !ok {
			return fmt.Errorf("symbol FinalizeJM has unexpected signature")
		}
		m.finalizeJM = f
		return nil
	}},
	{"FinalizeWorker", true, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(state WorkerState))
		if !ok {
			return fmt.Errorf("symbol FinalizeWorker has unexpected signature")
		}
		m.finalizeWorker = f
		return nil
	}},
	{"FinalizeCommitter", true, func(m *pluginModule, s plugin.Symbol) error {
		f, ok := s.(func(state CommitterState))
		if !ok {
			return fmt.Errorf("symbol FinalizeCommitter has unexpected signature")
		}
		m.finalizeCommitter = f
		return nil
	}},
}

// LoadPlugin opens the .so at path and binds its exported symbols to the
// Module interface. A missing mandatory symbol or a signature mismatch is a
// fatal error: the caller is expected to log.Fatal on it.
func LoadPlugin(path string) (Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("module: open %s: %w", path, err)
	}

	m := &pluginModule{}
	for _, req := range pluginSymbols {
		sym, err := p.Lookup(req.name)
		if err != nil {
			if req.optional {
				continue
			}
			return nil, fmt.Errorf("module: %s: missing required symbol %s: %w", path, req.name, err)
		}
		if err := req.bind(m, sym); err != nil {
			return nil, fmt.Errorf("module: %s: %w", path, err)
		}
	}
	if m.finalizeJM == nil {
		m.finalizeJM = func(JMState) {}
	}
	if m.finalizeWorker == nil {
		m.finalizeWorker = func(WorkerState) {}
	}
	if m.finalizeCommitter == nil {
		m.finalizeCommitter = func(CommitterState) {}
	}
	return m, nil
}

// Load resolves a module path: "builtin:<name>" uses the static registry
// (for tests and local smoke runs), anything else is opened as a .so via
// LoadPlugin.
func Load(path string) (Module, error) {
	if name, ok := strings.CutPrefix(path, "builtin:"); ok {
		return LoadStatic(name)
	}
	return LoadPlugin(path)
}

func (m *pluginModule) JobManagerNew(argv []string, jobInfo []byte) (JMState, error) {
	return m.jobManagerNew(argv, jobInfo)
}

func (m *pluginModule) NextTask(state JMState, ctx int64) (bool, []byte, int64, error) {
	return m.nextTask(state, ctx)
}

func (m *pluginModule) WorkerNew(argv []string) (WorkerState, error) {
	return m.workerNew(argv)
}

func (m *pluginModule) WorkerRun(state WorkerState, task []byte, ctx int64) (int, []byte, int64, error) {
	return m.workerRun(state, task, ctx)
}

func (m *pluginModule) CommitterNew(argv []string, jobInfo []byte) (CommitterState, error) {
	return m.committerNew(argv, jobInfo)
}

func (m *pluginModule) CommitPit(state CommitterState, result []byte) (int, error) {
	return m.commitPit(state, result)
}

func (m *pluginModule) CommitJob(state CommitterState, ctx int64) (int, []byte, int64, error) {
	return m.commitJob(state, ctx)
}

func (m *pluginModule) FinalizeJM(state JMState)               { m.finalizeJM(state) }
func (m *pluginModule) FinalizeWorker(state WorkerState)       { m.finalizeWorker(state) }
func (m *pluginModule) FinalizeCommitter(state CommitterState) { m.finalizeCommitter(state) }
