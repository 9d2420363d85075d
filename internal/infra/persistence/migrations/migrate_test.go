package migrations

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/exchangelink/db/migrations"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, keys(ups), keys(downs))

	raw, err := fs.ReadFile(dbmigrations.Files, "0001_fill_outcomes.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(raw), "CREATE TABLE IF NOT EXISTS fill_outcomes")
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	require.ErrorIs(t, Rollback(context.Background(), "postgres://unused", 0, nil), errInvalidSteps)
}

func TestApplyFailsWithoutDatabase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Apply(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1", nil)
	require.Error(t, err)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
