package protocol

// Records is a batch of packets. Batches are the unit every Feeder hands out
// and every Drainer consumes.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Clone deep-copies the batch so the receiver may keep it after the sender
// reuses its buffers.
func (recs Records) Clone() Records {
	ret := make(Records, len(recs))
	for i, r := range recs {
		ret[i] = append([]byte(nil), r...)
	}
	return ret
}
