package dsp

// Partition is one contiguous slice of an impulse response handled by its
// own set of engines.
type Partition struct {
	Offset    int // first IR sample of the partition
	Length    int // number of IR samples
	BlockSize int // engine block size
}

// PlanPartitions splits an IR of irSize samples.
//
// With headSize <= 0 the IR is a single uniform partition processed with
// bufferSize blocks. Otherwise the head covers the first headSize samples
// with bufferSize blocks and the tail partitions double: each starts at
// headSize*2^(k-1) and uses a block size equal to its offset, so its
// length equals its block size. Once the block size reaches maxPartition
// the partition takes the rest of the IR. maxPartition is rounded up to a
// power of two and clamped to at least headSize; maxPartition <= 0 means
// no cap.
//
// Since a tail's offset equals its block size, feeding every tail with the
// input delayed by the head latency aligns all partitions.
func PlanPartitions(irSize, headSize, bufferSize, maxPartition int) []Partition {
	irSize = max(irSize, 0)

	if headSize <= 0 {
		return []Partition{{Offset: 0, Length: irSize, BlockSize: bufferSize}}
	}

	partitions := []Partition{{Offset: 0, Length: min(irSize, headSize), BlockSize: bufferSize}}

	limit := 0
	if maxPartition > 0 {
		limit = max(nextPowerOfTwo(maxPartition), headSize)
	}

	offset := headSize
	block := headSize

	for offset < irSize {
		if limit > 0 && block >= limit {
			partitions = append(partitions, Partition{Offset: offset, Length: irSize - offset, BlockSize: block})
			break
		}

		length := min(block, irSize-offset)
		partitions = append(partitions, Partition{Offset: offset, Length: length, BlockSize: block})

		offset += length
		block *= 2
	}

	return partitions
}
