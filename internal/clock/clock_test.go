package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	appLog "classcal/internal/log"
)

func TestMain(m *testing.M) {
	appLog.SetLogger(zap.NewNop())
	m.Run()
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"01:15", "13:15"},
		{"09:30", "09:30"},
		{"2:30 PM", "14:30"},
		{"garbage", "09:00"},
		{"", "09:00"},
		{"9:30", "09:30"},
		{"12:20", "12:20"},
		{"11:20", "11:20"},
		{"08:10", "17:00"},
		{"2:30pm", "14:30"},
		{"2:30 p.m.", "14:30"},
		{"10:25 am", "10:25"},
		{"12:05 PM", "12:05"},
		{"2 PM", "14:00"},
		{"04:20", "16:20"},
		{"18:30", "18:30"},
		{"19:00", "17:00"},
		{"7:00 PM", "17:00"},
		{"7:00 AM", "09:00"},
		{"12:30 AM", "09:00"},
		{"00:45", "09:00"},
		{"09:75", "09:00"},
		{"25:00", "09:00"},
		{"13:00 PM", "09:00"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "Normalize(%q)", tc.in)
	}
}

func TestMinutes(t *testing.T) {
	m, ok := Minutes("13:15")
	assert.True(t, ok)
	assert.Equal(t, 13*60+15, m)

	_, ok = Minutes("1:5")
	assert.False(t, ok)
	_, ok = Minutes("24:00")
	assert.False(t, ok)
}

func TestMeridianRoundTrip(t *testing.T) {
	for _, hhmm := range []string{"09:00", "10:25", "12:20", "13:15", "16:20"} {
		s, ok := Meridian(hhmm)
		assert.True(t, ok)
		assert.Equal(t, hhmm, Normalize(s), "round trip via %q", s)
	}

	s, _ := Meridian("08:30")
	assert.Equal(t, "8:30 AM", s)
	assert.Equal(t, "08:30", Normalize(s))
}
