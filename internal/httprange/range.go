// Package httprange parses the Content-Range header of resumable uploads.
package httprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Unknown marks an omitted position or size ("*").
const Unknown int64 = -1

// ContentRange is "bytes start-end/size". A status query "bytes */size" has
// Start and End set to Unknown; an unknown total has Size set to Unknown.
type ContentRange struct {
	Start, End, Size int64
}

// Get the length of the range in bytes.
func (cr *ContentRange) Length() int64 {
	if cr.IsStatusQuery() {
		return 0
	}
	return cr.End - cr.Start + 1
}

// Determine whether the range only asks for the upload status.
func (cr *ContentRange) IsStatusQuery() bool { return cr.Start == Unknown }

// Determine whether the range ends with the last byte of the file.
func (cr *ContentRange) IsLastByte() bool {
	return cr.Size != Unknown && cr.End+1 >= cr.Size
}

// String formats the range as a header value.
func (cr *ContentRange) String() string {
	size := "*"
	if cr.Size != Unknown {
		size = strconv.FormatInt(cr.Size, 10)
	}
	if cr.IsStatusQuery() {
		return "bytes */" + size
	}
	return fmt.Sprintf("bytes %d-%d/%s", cr.Start, cr.End, size)
}

// RangeHeader returns the Range value acknowledging the first n bytes, or ""
// when nothing has been received.
func RangeHeader(n int64) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("bytes=0-%d", n-1)
}

func ParseContentRange(s string) (*ContentRange, error) {
	const b = "bytes "
	if s == "" {
		return nil, errors.New("no Content-Range header")
	}
	if !strings.HasPrefix(s, b) {
		return nil, errors.New("invalid unit of Content-Range header")
	}
	r := strings.Split(s[len(b):], "/")
	if len(r) != 2 {
		return nil, errors.New("invalid size of Content-Range header")
	}
	cr := &ContentRange{Start: Unknown, End: Unknown, Size: Unknown}
	if size := strings.TrimSpace(r[1]); size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return nil, errors.New("cannot parse size of Content-Range header")
		}
		cr.Size = n
	}
	if strings.TrimSpace(r[0]) == "*" {
		if cr.Size == Unknown {
			return nil, errors.New("status query of Content-Range header requires a size")
		}
		return cr, nil
	}

	r = strings.Split(r[0], "-")
	if len(r) != 2 {
		return nil, errors.New("cannot parse Content-Range header, expected format \"start-end\"")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(r[0]), 10, 64)
	if err != nil || start < 0 {
		return nil, errors.New("cannot parse start of Content-Range header")
	}
	end, err := strconv.ParseInt(strings.TrimSpace(r[1]), 10, 64)
	if err != nil {
		return nil, errors.New("cannot parse end of Content-Range header")
	}
	if end < start {
		return nil, errors.New("end of Content-Range header precedes its start")
	}
	if cr.Size != Unknown && end >= cr.Size {
		return nil, errors.New("end of Content-Range header exceeds its size")
	}
	cr.Start, cr.End = start, end
	return cr, nil
}
