// Package web holds the embedded browser client: the record page shell and
// the capture/upload/poll scripts.
package web

import "embed"

//go:embed static templates
var Assets embed.FS
