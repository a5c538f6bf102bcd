package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
)

// Property names published by every agent.
const (
	PropAgentID   = "agent.id"
	PropDataDir   = "agent.data.dir"
	PropLaunchPid = "launch.pid"
	PropTmpDir    = "launch.tmp.dir"
	envPrefix     = "env."
)

func hostProperties(id, dataDir string) expr.Properties {
	props := expr.Properties{
		"os.name":          runtime.GOOS,
		"os.arch":          runtime.GOARCH,
		"num.cpus":         strconv.Itoa(runtime.NumCPU()),
		"line.separator":   "\n",
		expr.FileSeparator: string(filepath.Separator),
		expr.PathSeparator: string(os.PathListSeparator),
		PropAgentID:        id,
		PropDataDir:        dataDir,
	}
	if host, err := os.Hostname(); err == nil {
		props["hostname"] = host
		props["host.names"] = strings.Join(hostNames(host), ",")
	}
	if home, err := os.UserHomeDir(); err == nil {
		props["user.home"] = home
	}
	if wd, err := os.Getwd(); err == nil {
		props["user.dir"] = wd
	}
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			props[envPrefix+name] = value
		}
	}
	return props
}

// hostNames lists the hostname and its short form.
func hostNames(host string) []string {
	names := map[string]struct{}{host: {}}
	if short, _, ok := strings.Cut(host, "."); ok && short != "" {
		names[short] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
