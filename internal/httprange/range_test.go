package httprange

import (
	"testing"
)

func TestParseContentRange(t *testing.T) {
	var tests = []struct {
		s   string
		cr  *ContentRange
		err string
	}{
		{"", nil, "no Content-Range header"},
		{"items 0-1/2", nil, "invalid unit of Content-Range header"},
		{"bytes 0-1", nil, "invalid size of Content-Range header"},
		{"bytes 500-600/x", nil, "cannot parse size of Content-Range header"},
		{"bytes -600/999", nil, "cannot parse start of Content-Range header"},
		{"bytes 0-/999", nil, "cannot parse end of Content-Range header"},
		{"bytes 10-5/999", nil, "end of Content-Range header precedes its start"},
		{"bytes 0-128/128", nil, "end of Content-Range header exceeds its size"},
		{"bytes */*", nil, "status query of Content-Range header requires a size"},
		{"bytes 0-63/128", &ContentRange{Start: 0, End: 63, Size: 128}, ""},
		{"bytes 64-127/128", &ContentRange{Start: 64, End: 127, Size: 128}, ""},
		{"bytes 0-63/*", &ContentRange{Start: 0, End: 63, Size: Unknown}, ""},
		{"bytes */128", &ContentRange{Start: Unknown, End: Unknown, Size: 128}, ""},
	}

	for _, tt := range tests {
		cr, err := ParseContentRange(tt.s)

		if err != nil {
			if err.Error() != tt.err {
				t.Errorf("ParseContentRange(%q) error = %s, want %s", tt.s, err, tt.err)
			}
			continue
		}
		if tt.cr == nil {
			t.Errorf("ParseContentRange(%q) = %+v, want error %s", tt.s, cr, tt.err)
			continue
		}
		if *cr != *tt.cr {
			t.Errorf("ParseContentRange(%q) = %+v, want %+v", tt.s, cr, tt.cr)
		}
		if got := cr.String(); got != tt.s {
			t.Errorf("ParseContentRange(%q).String() = %q", tt.s, got)
		}
	}
}

func TestContentRangeHelpers(t *testing.T) {
	var tests = []struct {
		cr     ContentRange
		length int64
		last   bool
		status bool
	}{
		{ContentRange{0, 63, 128}, 64, false, false},
		{ContentRange{64, 127, 128}, 64, true, false},
		{ContentRange{0, 63, Unknown}, 64, false, false},
		{ContentRange{Unknown, Unknown, 128}, 0, false, true},
	}
	for _, tt := range tests {
		if got := tt.cr.Length(); got != tt.length {
			t.Errorf("%v.Length() = %d, want %d", &tt.cr, got, tt.length)
		}
		if got := tt.cr.IsLastByte(); got != tt.last {
			t.Errorf("%v.IsLastByte() = %v, want %v", &tt.cr, got, tt.last)
		}
		if got := tt.cr.IsStatusQuery(); got != tt.status {
			t.Errorf("%v.IsStatusQuery() = %v, want %v", &tt.cr, got, tt.status)
		}
	}
}

func TestRangeHeader(t *testing.T) {
	var tests = []struct {
		n    int64
		want string
	}{
		{0, ""},
		{1, "bytes=0-0"},
		{5 << 20, "bytes=0-5242879"},
	}
	for _, tt := range tests {
		if got := RangeHeader(tt.n); got != tt.want {
			t.Errorf("RangeHeader(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
