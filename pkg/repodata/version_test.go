package repodata_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/repodata-tools/pkg/repodata"
)

func TestCompare(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.0.0", "1.0.1", -1},
		{"1.2", "1.2.0", 0},
		{"1.2.1", "1.2", 1},
		{"2.0", "1.9.9", 1},
		{"1.0.0rc1", "1.0.0", -1},
		{"1.0.0", "1.0.0rc1", 1},
		{"1.0.0.dev0", "1.0.0rc1", -1},
		{"1.0.0post1", "1.0.0", 1},
		{"1!1.0", "2.0", 1},
		{"1.0+local1", "1.0+local2", -1},
	}

	for _, c := range cases {
		got := repodata.Compare(c.a, c.b)
		assert.Equalf(t, c.want, got, "Compare(%q, %q)", c.a, c.b)
	}
}
