// Package migrations embeds the waitlist schema
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
