// Package web holds the browser control panel served by the bridge.
package web

import "embed"

// FS is the control panel: index.html, app.js and style.css.
//
//go:embed *.html *.css *.js
var FS embed.FS
