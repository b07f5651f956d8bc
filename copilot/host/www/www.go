// Package www serves the built taskpane assets for a copilot host.  Files carry an entity tag
// derived from their size and modification time so a reloading taskpane revalidates cheaply.
package www

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/swdunlop/copilot-go/copilot/host"
)

// Rig returns a host option that serves static files from the given directory at the root of
// the host, with index.html standing in for directory paths.
func Rig(dir string) host.Option {
	return func(h *host.Config) error {
		if dir == `` {
			return fmt.Errorf(`www requires a directory to serve`)
		}
		h.Hook(&site{dir: dir})
		return nil
	}
}

type site struct {
	dir string
}

// HostMux implements hook.Mux.
func (s *site) HostMux(mux *http.ServeMux) { mux.Handle(`GET /`, s) }

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Clean(`/` + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, `/`) || name == `/` {
		name = path.Join(name, `index.html`)
	}
	file := filepath.Join(s.dir, filepath.FromSlash(strings.TrimPrefix(name, `/`)))

	f, err := os.Open(file)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	etag := fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size())
	w.Header().Set(`ETag`, etag)
	if match := r.Header.Get(`If-None-Match`); match != `` && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
