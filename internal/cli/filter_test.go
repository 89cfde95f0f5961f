package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   []int64
		errs   bool
	}{
		{name: "single", filter: "id=5", want: []int64{5}},
		{name: "list", filter: "id=1,3,5", want: []int64{1, 3, 5}},
		{name: "range", filter: "id=2-5", want: []int64{2, 3, 4, 5}},
		{name: "mixed", filter: "id=1,4-6,9", want: []int64{1, 4, 5, 6, 9}},
		{name: "duplicates collapse", filter: "id=3,3,2-4", want: []int64{3, 2, 4}},
		{name: "spaces", filter: " id = 7 , 9 ", want: []int64{7, 9}},
		{name: "unsupported key", filter: "name=x", errs: true},
		{name: "no equals", filter: "id", errs: true},
		{name: "bad id", filter: "id=abc", errs: true},
		{name: "descending range", filter: "id=9-3", errs: true},
		{name: "empty", filter: "", errs: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIDFilter(tt.filter)
			if tt.errs {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
