package transfer

// chunkPlan maps an inclusive byte range onto aligned remote reads.
type chunkPlan struct {
	size     int64 // bytes per remote read
	first    int64 // index of the first chunk touched
	last     int64 // index of the last chunk touched
	total    int64 // chunks in the whole object
	firstCut int64 // bytes to skip at the front of the first chunk
	lastCut  int64 // bytes to keep of the last chunk
}

func newChunkPlan(chunkSize, fileSize, start, end int64) chunkPlan {
	return chunkPlan{
		size:     chunkSize,
		first:    start / chunkSize,
		last:     end / chunkSize,
		total:    (fileSize + chunkSize - 1) / chunkSize,
		firstCut: start % chunkSize,
		lastCut:  end%chunkSize + 1,
	}
}

// offset is the remote offset of the first aligned read.
func (p chunkPlan) offset() int64 {
	return p.first * p.size
}

// trim cuts chunk part down to the bytes inside the requested range. Both
// bounds are clamped to what the remote actually returned, so a short final
// read never panics.
func (p chunkPlan) trim(part int64, b []byte) []byte {
	lo, hi := int64(0), int64(len(b))
	if part == p.last && p.lastCut < hi {
		hi = p.lastCut
	}
	if part == p.first {
		lo = p.firstCut
	}
	if lo > hi {
		lo = hi
	}
	return b[lo:hi]
}
