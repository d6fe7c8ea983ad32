// Package registry discovers TM endpoints from a filesystem registry and
// lets a TM announce its own address into that same registry. The registry
// is reloaded on every JM dispatch cycle (pusher, committer, heartbeat),
// so TMs may join or leave between cycles.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/taskrun/spits/pkg/log"
)

// Endpoint identifies one TM: a display Name (typically "host:port") and the
// Address/Port pair used to dial it.
type Endpoint struct {
	Name    string
	Address string
	Port    int
}

// Registry maps a TM's display name to its endpoint. Entries are keyed by
// Name; directory entries override file entries on collision.
type Registry map[string]Endpoint

// ProxyEntry is a parsed "proxy" line, consulted only by the reserved
// "through" node syntax (never, since "through" is parsed and ignored).
type ProxyEntry struct {
	Name     string
	Protocol string
	Address  string
	Port     int
}

// ProxyTable maps proxy name to its parsed entry.
type ProxyTable map[string]ProxyEntry

const (
	nodesFile = "nodes.txt"
	nodesDir  = "nodes"
)

// Load reads root/nodes.txt and every regular file under root/nodes/,
// unioning them into one Registry (directory entries win name collisions),
// and returns the ProxyTable parsed along the way. A missing file or
// directory yields an empty contribution and a warning log, not an error.
func Load(root string) (Registry, ProxyTable, error) {
	logger := log.WithComponent("registry")

	reg := Registry{}
	proxies := ProxyTable{}

	filePath := filepath.Join(root, nodesFile)
	fileReg, fileProxies, err := loadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("path", filePath).Msg("registry file missing")
		} else {
			logger.Warn().Err(err).Str("path", filePath).Msg("failed to read registry file")
		}
	}
	for name, ep := range fileReg {
		reg[name] = ep
	}
	for name, p := range fileProxies {
		proxies[name] = p
	}

	dirPath := filepath.Join(root, nodesDir)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("path", dirPath).Msg("registry directory missing")
		} else {
			logger.Warn().Err(err).Str("path", dirPath).Msg("failed to read registry directory")
		}
		return reg, proxies, nil
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dirReg, dirProxies, err := loadFile(filepath.Join(dirPath, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("path", entry.Name()).Msg("failed to read registry entry")
			continue
		}
		for name, ep := range dirReg {
			reg[name] = ep
		}
		for name, p := range dirProxies {
			proxies[name] = p
		}
	}

	return reg, proxies, nil
}

// loadFile parses one registry file. A malformed node/proxy line aborts
// parsing of this file (logged at warning) but keeps every entry already
// parsed before it.
func loadFile(path string) (Registry, ProxyTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return Registry{}, ProxyTable{}, err
	}
	defer f.Close()

	reg := Registry{}
	proxies := ProxyTable{}
	logger := log.WithComponent("registry")

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "node "):
			ep, through, ok := parseNodeLine(line)
			if !ok {
				logger.Warn().Str("path", path).Str("line", line).Msg("malformed node line, aborting file")
				return reg, proxies, nil
			}
			if through != "" {
				continue
			}
			reg[ep.Name] = ep
		case strings.HasPrefix(line, "proxy "):
			p, ok := parseProxyLine(line)
			if !ok {
				logger.Warn().Str("path", path).Str("line", line).Msg("malformed proxy line, aborting file")
				return reg, proxies, nil
			}
			proxies[p.Name] = p
		default:
			// unrecognized prefix, ignored
		}
	}
	if err := scanner.Err(); err != nil {
		return reg, proxies, err
	}
	return reg, proxies, nil
}

// parseNodeLine parses "node <host>:<port>" or
// "node <host>:<port> through <proxy-name>". The through form is
// reserved syntax: it parses successfully and is logged, and loadFile
// leaves such a node out of the registry.
func parseNodeLine(line string) (Endpoint, string, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 && len(fields) != 4 {
		return Endpoint{}, "", false
	}
	if fields[0] != "node" {
		return Endpoint{}, "", false
	}
	hostPort := fields[1]
	addr, portStr, ok := strings.Cut(hostPort, ":")
	if !ok {
		return Endpoint{}, "", false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, "", false
	}
	ep := Endpoint{Name: hostPort, Address: addr, Port: port}

	if len(fields) == 2 {
		return ep, "", true
	}
	if fields[2] != "through" {
		return Endpoint{}, "", false
	}
	log.WithComponent("registry").Info().Str("node", hostPort).Str("proxy", fields[3]).
		Msg(`"through" routing parsed and ignored (reserved syntax)`)
	return ep, fields[3], true
}

// parseProxyLine parses "proxy <name> <protocol>:<address>:<port>".
func parseProxyLine(line string) (ProxyEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "proxy" {
		return ProxyEntry{}, false
	}
	parts := strings.Split(fields[2], ":")
	if len(parts) != 3 {
		return ProxyEntry{}, false
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return ProxyEntry{}, false
	}
	return ProxyEntry{
		Name:     fields[1],
		Protocol: parts[0],
		Address:  parts[1],
		Port:     port,
	}, true
}

// String renders an endpoint as the wire-format node line, e.g. used by the
// announcer.
func (e Endpoint) String() string {
	return fmt.Sprintf("node %s:%d", e.Address, e.Port)
}
