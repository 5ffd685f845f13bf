package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUp(t *testing.T) {
	migrations, err := Up()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, "001_init", migrations[0].Name)
	for i, m := range migrations {
		t.Run(m.Name, func(t *testing.T) {
			assert.NotContains(t, m.Name, ".sql")
			assert.NotEmpty(t, strings.TrimSpace(m.SQL))
			if i > 0 {
				assert.Less(t, migrations[i-1].Name, m.Name)
			}
		})
	}

	t.Run("down migrations are not applied", func(t *testing.T) {
		for _, m := range migrations {
			assert.NotContains(t, m.SQL, "DROP TABLE")
		}
	})
}
