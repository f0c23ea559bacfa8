package web

import "embed"

// FS contains the operator panel assets (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
