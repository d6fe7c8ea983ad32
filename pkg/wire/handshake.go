package wire

import "time"

// Handshake exchanges job-id strings with the peer: writes ours, reads
// theirs, and reports whether they match. Every connection opens with this
// exchange; the TM reads no verb byte before it succeeds, while the JM's
// pusher and committer write their verb right after their own jobid, before
// reading the TM's.
func Handshake(e *Endpoint, jobID string, deadline time.Time) (matched bool, err error) {
	if err := e.WriteString(jobID, deadline); err != nil {
		return false, err
	}
	peer, err := e.ReadString(deadline)
	if err != nil {
		return false, err
	}
	return peer == jobID, nil
}
