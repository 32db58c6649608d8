package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{"simple", "sensors/temp", nil},
		{"leading slash", "/a", nil},
		{"empty levels", "a//b", nil},
		{"sys", "$SYS/uptime", nil},
		{"empty", "", ErrEmptyTopic},
		{"plus", "a/+/b", ErrWildcardInName},
		{"hash", "a/#", ErrWildcardInName},
		{"null", "a\x00b", ErrNullCharacter},
		{"too long", strings.Repeat("x", 65536), ErrTopicTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.topic)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter  string
		wantErr error
	}{
		{"a/b", nil},
		{"#", nil},
		{"+", nil},
		{"a/+/c", nil},
		{"a/#", nil},
		{"+/+/#", nil},
		{"/+", nil},
		{"", ErrEmptyTopic},
		{"a/#/c", ErrInvalidMultiWildcard},
		{"a#", ErrInvalidMultiWildcard},
		{"a/b#", ErrInvalidMultiWildcard},
		{"a+/b", ErrInvalidSingleWildcard},
		{"a/+b", ErrInvalidSingleWildcard},
		{"a/\x00", ErrNullCharacter},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			err := ValidateFilter(tt.filter)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		name   string
		want   bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"a/+", "a/b", true},
		{"a/+", "a", false},
		{"a/+", "a/b/c", false},
		{"+/+", "/finance", true},
		{"sport/+", "sport/", true},
		{"a/+/c", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"a/#", "b/c", false},
		{"#", "a/b/c", true},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"a//b", "a//b", true},
		{"", "a", false},
		{"a", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filter, tt.name))
		})
	}
}

func TestHelpers(t *testing.T) {
	assert.True(t, HasWildcard("a/+"))
	assert.True(t, HasWildcard("#"))
	assert.False(t, HasWildcard("a/b"))
	assert.True(t, IsSysTopic("$SYS/x"))
	assert.False(t, IsSysTopic("sys"))
	assert.False(t, IsSysTopic(""))
}
