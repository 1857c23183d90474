// Package web embeds the admin dashboard's static assets. The real
// dashboard is built and deployed separately; this embed only carries a
// placeholder page so the route has something to serve.
package web

import _ "embed"

//go:embed dashboard.html
var DashboardHTML string
