package shard_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/repodata-tools/pkg/shard"
)

func validShard() shard.Shard {
	v := 1

	return shard.Shard{
		Subdir:          "linux-64",
		Package:         "foo-1.0-0.tar.bz2",
		Labels:          []string{"main"},
		URL:             "https://conda.anaconda.org/main/linux-64/foo-1.0-0.tar.bz2",
		RepodataVersion: &v,
		Repodata:        json.RawMessage(`{"name":"foo"}`),
	}
}

func TestShard_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*shard.Shard)
		wantErr   error
		shouldErr bool
	}{
		{name: "valid", mutate: func(*shard.Shard) {}, shouldErr: false},
		{
			name:      "missing subdir",
			mutate:    func(s *shard.Shard) { s.Subdir = "" },
			wantErr:   shard.ErrSubdirRequired,
			shouldErr: true,
		},
		{
			name:      "missing package",
			mutate:    func(s *shard.Shard) { s.Package = "" },
			wantErr:   shard.ErrPackageRequired,
			shouldErr: true,
		},
		{
			name:      "empty labels",
			mutate:    func(s *shard.Shard) { s.Labels = nil },
			wantErr:   shard.ErrLabelsEmpty,
			shouldErr: true,
		},
		{
			name:      "label with slash",
			mutate:    func(s *shard.Shard) { s.Labels = []string{"dev/broken"} },
			wantErr:   shard.ErrLabelInvalid,
			shouldErr: true,
		},
		{
			name: "repodata without version",
			mutate: func(s *shard.Shard) {
				s.RepodataVersion = nil
			},
			wantErr:   shard.ErrRepodataInconsistent,
			shouldErr: true,
		},
		{
			name: "version without repodata",
			mutate: func(s *shard.Shard) {
				s.Repodata = nil
			},
			wantErr:   shard.ErrRepodataInconsistent,
			shouldErr: true,
		},
		{
			name: "null repodata is allowed when unindexable",
			mutate: func(s *shard.Shard) {
				s.Repodata = nil
				s.RepodataVersion = nil
			},
			shouldErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := validShard()
			tt.mutate(&s)

			err := s.Validate()
			if tt.shouldErr {
				require.Error(t, err)

				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestShard_AddLabel(t *testing.T) {
	t.Parallel()

	s := validShard()

	assert.True(t, s.AddLabel("dev"))
	assert.Equal(t, []string{"dev", "main"}, s.Labels)

	assert.False(t, s.AddLabel("dev"))
	assert.Equal(t, []string{"dev", "main"}, s.Labels)
}

func TestShard_Key(t *testing.T) {
	t.Parallel()

	s := validShard()
	assert.Equal(t, "linux-64/foo-1.0-0.tar.bz2", s.Key())
}

func TestShard_MarshalUnmarshal(t *testing.T) {
	t.Parallel()

	s := validShard()

	data, err := s.Marshal()
	require.NoError(t, err)

	got, err := shard.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, s.Subdir, got.Subdir)
	assert.Equal(t, s.Labels, got.Labels)
	assert.JSONEq(t, string(s.Repodata), string(got.Repodata))
}
