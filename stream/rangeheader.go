package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/filehub/filehub/storage/driver"
)

// parseRange parses a Range header value against a known size, RFC 7233
// semantics: "a-b", "a-" and "-suffix" specs, comma-separated. It returns
// the in-bounds ranges, clamped to size. errMalformed reports a header that
// should be ignored (serve 200); errUnsatisfiable reports a syntactically
// valid header with no satisfiable segment (serve 416).
var (
	errMalformedRange     = fmt.Errorf("malformed range header")
	errUnsatisfiableRange = fmt.Errorf("no satisfiable range")
)

func parseRange(header string, size int64) ([]driver.Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, errMalformedRange
	}

	var (
		ranges  []driver.Range
		anySpec bool
	)
	for _, spec := range strings.Split(header[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		anySpec = true

		dash := strings.Index(spec, "-")
		if dash < 0 {
			return nil, errMalformedRange
		}
		startStr, endStr := spec[:dash], spec[dash+1:]

		if startStr == "" {
			// "-suffix": the final suffix bytes.
			suffix, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || suffix < 0 {
				return nil, errMalformedRange
			}
			if suffix == 0 {
				continue // unsatisfiable by itself
			}
			if suffix > size {
				suffix = size
			}
			ranges = append(ranges, driver.Range{Start: size - suffix, End: size - 1})
			continue
		}

		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return nil, errMalformedRange
		}

		end := size - 1
		if endStr != "" {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < start {
				return nil, errMalformedRange
			}
			if end > size-1 {
				end = size - 1
			}
		}

		if start >= size {
			continue // out of bounds, may still 416 below
		}
		ranges = append(ranges, driver.Range{Start: start, End: end})
	}

	if !anySpec {
		return nil, errMalformedRange
	}
	if len(ranges) == 0 {
		return nil, errUnsatisfiableRange
	}
	return ranges, nil
}

// parseSingleRange parses a Range header that must contain exactly one spec,
// used on the size-unknown and single-range paths. Unlike parseRange it does
// not need the total size for "a-" forms; suffix forms require size >= 0.
func parseSingleRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) || strings.Contains(header, ",") {
		return 0, 0, false
	}
	spec := strings.TrimSpace(header[len(prefix):])
	dash := strings.Index(spec, "-")
	if dash < 0 {
		return 0, 0, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		if size < 0 {
			return 0, 0, false
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	end = -1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
	}
	if end == -1 {
		if size >= 0 {
			end = size - 1
		}
	} else if size >= 0 && end > size-1 {
		end = size - 1
	}
	return start, end, true
}

// totalRequested sums the lengths of the parsed ranges.
func totalRequested(ranges []driver.Range) int64 {
	var total int64
	for _, r := range ranges {
		total += r.Length()
	}
	return total
}

func contentRange(r driver.Range, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

func unsatisfiedContentRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
