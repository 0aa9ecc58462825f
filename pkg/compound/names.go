package compound

import "strings"

// FileName joins a base name and an extension.
func FileName(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// StripExtension removes everything from the first '.' on.
func StripExtension(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// EntriesFileName returns the entry table name for a data file name.
func EntriesFileName(dataName string) string {
	return FileName(StripExtension(dataName), EntriesExtension)
}

// indexOfSegmentName returns where the segment name in a file name ends:
// the first '_' after the leading one, or else the first '.'. It returns -1
// for names with neither.
func indexOfSegmentName(name string) int {
	if len(name) > 1 {
		if i := strings.IndexByte(name[1:], '_'); i >= 0 {
			return i + 1
		}
	}
	return strings.IndexByte(name, '.')
}

// StripSegmentName removes the segment name from a file name, so "_1_2.pos"
// becomes "_2.pos" and "_1.cfs" becomes ".cfs". Names without a segment are
// returned unchanged.
func StripSegmentName(name string) string {
	if i := indexOfSegmentName(name); i >= 0 {
		return name[i:]
	}
	return name
}

// ParseSegmentName returns the segment name a file name starts with.
func ParseSegmentName(name string) string {
	if i := indexOfSegmentName(name); i >= 0 {
		return name[:i]
	}
	return name
}
