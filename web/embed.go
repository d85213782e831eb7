// Package web holds the dashboard served at / by the recorder.
package web

import "embed"

// FS contains the dashboard page, its stylesheet and script.
//
//go:embed *.html *.css *.js
var FS embed.FS
