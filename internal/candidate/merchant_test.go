package candidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMerchant(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Netflix", "netflix"},
		{"  NETFLIX  ", "netflix"},
		{"Disney  Plus", "disney plus"},
		{"Disney\tPlus\n", "disney plus"},
		{"Hulu, Inc.", "hulu, inc"},
		{"Spotify!?", "spotify"},
		{"ＡＣＭＥ", "acme"},
		{"", ""},
		{" ... ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMerchant(tt.in))
		})
	}
}

func TestNormalizeMerchant_Idempotent(t *testing.T) {
	for _, name := range []string{"Apple TV+", "  YouTube Premium. ", "ＮＹ Times"} {
		once := NormalizeMerchant(name)
		assert.Equal(t, once, NormalizeMerchant(once))
	}
}
