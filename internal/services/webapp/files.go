package webapp

import (
	"fmt"
	"net/http"
	"path/filepath"
)

// serveFile 以附件形式返回磁盘文件；downloadBase 非空时替换文件名主体。
func serveFile(w http.ResponseWriter, r *http.Request, path string, downloadBase string) {
	name := filepath.Base(path)
	if downloadBase != "" {
		name = downloadBase + filepath.Ext(name)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func serveBytes(w http.ResponseWriter, name, contentType string, raw []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
