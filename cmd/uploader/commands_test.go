package main

import (
	"testing"

	"github.com/molpadia/molpadrive/internal/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRecords(t *testing.T) {
	records := []*client.ResumeRecord{
		{Fingerprint: "3f9a1c0d5e7b2a6c", FileName: "a.mp4"},
		{Fingerprint: "3f9b77e01d2c4a58", FileName: "b.mp4"},
		{Fingerprint: "c01d2e3f4a5b6c7d", FileName: "c.mp4"},
	}

	got, err := selectRecords(records, []string{"3f9a", "c0", "3f9a1c"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.mp4", got[0].FileName)
	assert.Equal(t, "c.mp4", got[1].FileName)

	tests := []struct {
		name     string
		prefixes []string
		err      string
	}{
		{"ambiguous", []string{"3f9"}, "matches 2 uploads"},
		{"unknown", []string{"ff"}, "no interrupted upload"},
		{"empty", []string{""}, "no interrupted upload"},
		{"one bad prefix", []string{"c0", "3f"}, "matches 2 uploads"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectRecords(records, tt.prefixes)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
			assert.Nil(t, got)
		})
	}
}
