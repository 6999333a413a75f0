package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	version, err := RunMigrations(db.Writer)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want string
	}{
		{"2024-05-01T10:20:30.123456789Z", true, "2024-05-01T10:20:30.123456789Z"},
		{"2024-05-01T12:20:30+02:00", true, "2024-05-01T10:20:30Z"},
		{"2024-05-01 10:20:30", true, "2024-05-01T10:20:30Z"},
		{"yesterday", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTime(tt.in)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, formatTime(got))
		})
	}
}
