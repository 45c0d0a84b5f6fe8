package translator

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mcules/opus-mt-server/internal/route"
)

// DiscoverRoutes lists the routes that have a model directory under dir.
// A missing dir yields no routes. The result follows directory listing order.
func DiscoverRoutes(dir string) ([]route.Route, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []route.Route{}, nil
	}
	if err != nil {
		return nil, err
	}

	routes := make([]route.Route, 0, len(entries))
	for _, e := range entries {
		r, ok := route.FromDirName(e.Name())
		if !ok {
			continue
		}
		if !isDir(dir, e) {
			continue
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func isDir(parent string, e fs.DirEntry) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(filepath.Join(parent, e.Name()))
	return err == nil && fi.IsDir()
}

// Contains reports whether r is among routes.
func Contains(routes []route.Route, r route.Route) bool {
	for _, x := range routes {
		if x == r {
			return true
		}
	}
	return false
}
