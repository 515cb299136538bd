package persistence

// rangeBounds normalizes inclusive slice indices over a list of the given
// length: negative indices count from the end and stop=-1 means the last
// element. ok is false when the resolved range is empty.
func rangeBounds(length, start, stop int64) (int64, int64, bool) {
	if length == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += length
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += length
	}
	if stop >= length {
		stop = length - 1
	}
	if start >= length || start > stop || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}
