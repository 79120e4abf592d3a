package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/missioncontrol/internal/parser"
)

var browseIgnoredNames = map[string]bool{
	"node_modules": true,
}

type browseItem struct {
	Name            string `json:"name"`
	Path            string `json:"path"`
	IsDirectory     bool   `json:"isDirectory"`
	HasWorkEfforts  bool   `json:"hasWorkEfforts"`
	WorkEffortCount int    `json:"workEffortCount"`
	IsAdded         bool   `json:"isAdded"`
}

type browseResponse struct {
	Path    string       `json:"path"`
	Parent  string       `json:"parent,omitempty"`
	CanGoUp bool         `json:"canGoUp"`
	Items   []browseItem `json:"items"`
}

// handleBrowse enumerates the immediate children of a directory for
// the add-repo UX, restricted to the configured browse root (default:
// the process's current working directory) with path-traversal
// protection following the same clean-join-then-prefix-check idiom
// used elsewhere in the reference set for user-supplied filesystem
// paths.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	root := s.cfg.BrowseRoot
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		} else {
			root = "/"
		}
	}
	root = filepath.Clean(root)

	reqPath := r.URL.Query().Get("path")
	if reqPath == "" {
		reqPath = "."
	}

	fullPath := filepath.Join(root, filepath.Clean("/"+reqPath))
	if !strings.HasPrefix(fullPath, root+string(os.PathSeparator)) && fullPath != root {
		writeError(w, http.StatusBadRequest, "path escapes the configured browse root")
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, "path does not exist or is not a directory")
		return
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read directory")
		return
	}

	configured := map[string]bool{}
	for _, rc := range s.cfg.Repos {
		configured[filepath.Clean(rc.Path)] = true
	}

	items := make([]browseItem, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || browseIgnoredNames[name] {
			continue
		}
		childPath := filepath.Join(fullPath, name)

		item := browseItem{
			Name:        name,
			Path:        childPath,
			IsDirectory: e.IsDir(),
			IsAdded:     configured[filepath.Clean(childPath)],
		}
		if e.IsDir() {
			if weDir, ok := parser.WorkEffortsDir(childPath); ok {
				item.HasWorkEfforts = true
				item.WorkEffortCount = countWorkEffortDirs(weDir)
			}
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].HasWorkEfforts != items[j].HasWorkEfforts {
			return items[i].HasWorkEfforts
		}
		return items[i].Name < items[j].Name
	})

	resp := browseResponse{Path: fullPath, CanGoUp: fullPath != root}
	if resp.CanGoUp {
		resp.Parent = filepath.Dir(fullPath)
	}
	resp.Items = items

	writeJSON(w, http.StatusOK, resp)
}

func countWorkEffortDirs(weDir string) int {
	entries, err := os.ReadDir(weDir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}
	return count
}
