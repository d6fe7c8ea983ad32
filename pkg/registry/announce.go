package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/taskrun/spits/pkg/log"
)

// Announcer publishes a TM's own endpoint into the filesystem registry so
// the JM discovers it on its next Load. The publish mode is fixed for the
// lifetime of the process.
type Announcer struct {
	root string
	mode string // "none", "cat-nodes", "file"
	self Endpoint

	// dropPath records the file this announcer created under root/nodes/ in
	// "file" mode, so Retract can remove exactly that file.
	dropPath string
}

// NewAnnouncer builds an Announcer for self, rooted at root, using mode
// ("none", "cat-nodes", or "file"; any other value behaves as "none").
func NewAnnouncer(root, mode string, self Endpoint) *Announcer {
	return &Announcer{root: root, mode: mode, self: self}
}

// Announce publishes self into the registry once, per the configured mode.
// "none" does nothing. "cat-nodes" appends a node line to root/nodes.txt.
// "file" drops a single file named after a fresh UUID under root/nodes/,
// whose sole content is the node line.
func (a *Announcer) Announce() error {
	logger := log.WithComponent("announcer")

	switch a.mode {
	case "none":
		return nil

	case "cat-nodes":
		path := filepath.Join(a.root, nodesFile)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("registry: announce append %s: %w", path, err)
		}
		defer f.Close()
		if _, err := fmt.Fprintln(f, a.self.String()); err != nil {
			return fmt.Errorf("registry: announce write %s: %w", path, err)
		}
		logger.Info().Str("path", path).Str("node", a.self.Name).Msg("announced via cat-nodes")
		return nil

	case "file":
		dir := filepath.Join(a.root, nodesDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("registry: announce mkdir %s: %w", dir, err)
		}
		path := filepath.Join(dir, uuid.NewString())
		if err := os.WriteFile(path, []byte(a.self.String()+"\n"), 0o644); err != nil {
			return fmt.Errorf("registry: announce write %s: %w", path, err)
		}
		a.dropPath = path
		logger.Info().Str("path", path).Str("node", a.self.Name).Msg("announced via drop-file")
		return nil

	default:
		logger.Warn().Str("mode", a.mode).Msg("unknown announce mode, treating as none")
		return nil
	}
}

// Retract removes the file this Announcer dropped in "file" mode. It is a
// no-op for every other mode, matching the TM shutdown path which always
// calls Retract unconditionally.
func (a *Announcer) Retract() error {
	if a.mode != "file" || a.dropPath == "" {
		return nil
	}
	if err := os.Remove(a.dropPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("registry: retract %s: %w", a.dropPath, err)
	}
	return nil
}
