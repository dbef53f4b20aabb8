package static

import (
	"bytes"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

const reloadScript = `<script>(function(){var p=location.protocol==="https:"?"wss://":"ws://";` +
	`var s=new WebSocket(p+location.host+"` + LiveReloadPath + `");` +
	`s.onmessage=function(){location.reload();};})();</script>`

// fileHandler serves the asset tree, adding the live reload script to HTML pages when inject is set.
type fileHandler struct {
	fs     http.FileSystem
	files  http.Handler
	inject bool
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.inject || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		h.files.ServeHTTP(w, r)
		return
	}

	upath := r.URL.Path
	if !strings.HasPrefix(upath, "/") {
		upath = "/" + upath
	}
	// the file server redirects these to their canonical form
	if strings.HasSuffix(upath, "/index.html") {
		h.files.ServeHTTP(w, r)
		return
	}
	name := path.Clean(upath)

	f, err := h.fs.Open(name)
	if err != nil {
		h.files.ServeHTTP(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		h.files.ServeHTTP(w, r)
		return
	}

	if fi.IsDir() {
		if !strings.HasSuffix(upath, "/") {
			h.files.ServeHTTP(w, r)
			return
		}
		name = path.Join(name, "index.html")
		index, err := h.fs.Open(name)
		if err != nil {
			// directory listing
			h.files.ServeHTTP(w, r)
			return
		}
		defer index.Close()
		f = index
	}

	if !isHTML(name) {
		h.files.ServeHTTP(w, r)
		return
	}

	b, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	// zero modtime, since the served bytes differ from the file on disk
	http.ServeContent(w, r, path.Base(name), time.Time{}, bytes.NewReader(injectReloadScript(b)))
}

func isHTML(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// injectReloadScript inserts the reload script before the last closing body tag, or appends it.
func injectReloadScript(page []byte) []byte {
	i := lastIndexFold(page, []byte("</body>"))
	if i < 0 {
		return append(page, reloadScript...)
	}
	out := make([]byte, 0, len(page)+len(reloadScript))
	out = append(out, page[:i]...)
	out = append(out, reloadScript...)
	return append(out, page[i:]...)
}

// lastIndexFold is bytes.LastIndex with ASCII case folding. bytes.ToLower can change byte offsets.
func lastIndexFold(s, sep []byte) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if bytes.EqualFold(s[i:i+len(sep)], sep) {
			return i
		}
	}
	return -1
}
