package server

import (
	"embed"
)

//go:embed static/index.html
var staticFS embed.FS

// indexHTML は操作パネルのHTMLを返す
func indexHTML() []byte {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		// go:embed で埋め込んでいるため到達しない
		panic(err)
	}
	return data
}
