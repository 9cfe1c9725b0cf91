package exitcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromTaskExitCodes(t *testing.T) {
	tests := []struct {
		name string
		in   []int
		want int
	}{
		{"no allocations", nil, NoAllocations},
		{"empty slice", []int{}, NoAllocations},
		{"single unfinished", []int{Unfinished}, AnyUnfinished},
		{"one of several unfinished", []int{0, Unfinished, 0}, AnyUnfinished},
		{"single success", []int{0}, Success},
		{"single failure", []int{3}, 3},
		{"all succeeded", []int{0, 0, 0}, Success},
		{"all failed", []int{1, 2, 3}, AllFailed},
		{"some failed", []int{0, 1, 0}, AnyFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FromTaskExitCodes(tt.in))
		})
	}
}

func TestForUntilFinished(t *testing.T) {
	require.Equal(t, Success, ForUntilFinished(true))
	require.Equal(t, Interrupted, ForUntilFinished(false))
}
