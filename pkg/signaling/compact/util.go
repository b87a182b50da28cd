package compact

import "time"

// deadlineNow returns the immediate deadline used to poll the signaling
// socket without blocking, mirroring pkg/session's udpSocket.recvFrom.
func deadlineNow() time.Time {
	return time.Now()
}
