// Package migrations ships the user-service schema inside the binary.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/md-rashed-zaman/userevents/libs/db"
)

//go:embed *.sql
var files embed.FS

// Apply runs every embedded migration in file name order. Each file must be
// idempotent.
func Apply(ctx context.Context, q db.Querier) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := files.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}
