package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"1000", "1000.00", false},
		{"12.5", "12.50", false},
		{"0.01", "0.01", false},
		{" 7.25 ", "7.25", false},
		{"1.500", "1.50", false},
		{"", "", true},
		{"-5", "", true},
		{"abc", "", true},
		{"1.005", "", true},
		{"1.2.3", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, Format(got))
		})
	}
}

func TestRate_Split(t *testing.T) {
	rate := Rate(500)

	fee, net := rate.Split(MustParse("1000"))
	assert.Equal(t, "50.00", Format(fee))
	assert.Equal(t, "950.00", Format(net))

	// 5% of 0.30 is 0.015: half rounds up.
	fee, net = rate.Split(MustParse("0.30"))
	assert.Equal(t, "0.02", Format(fee))
	assert.Equal(t, "0.28", Format(net))

	// 5% of 0.29 is 0.0145: rounds down.
	fee = rate.Fee(MustParse("0.29"))
	assert.Equal(t, "0.01", Format(fee))
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(100000), ToCents(MustParse("1000")))
	assert.Equal(t, int64(1999), ToCents(MustParse("19.99")))
	assert.Equal(t, "19.99", Format(FromCents(1999)))
}

func TestDiffers(t *testing.T) {
	assert.False(t, Differs(MustParse("10.00"), MustParse("10.01")))
	assert.True(t, Differs(MustParse("10.00"), MustParse("10.02")))
	assert.False(t, Differs(Sum(MustParse("1.10"), MustParse("2.20")), MustParse("3.30")))
}
