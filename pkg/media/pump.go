package media

// StreamReader is a blocking capture stream that fills a caller-owned
// buffer on every Read, such as a PortAudio input stream.
type StreamReader interface {
	Read() error
}

// Pump reads r into b until done is closed or Read fails with an error that
// transient does not accept. After every read that filled the buffer, frame
// builds the frame to publish. Transient errors (an input overflow, say)
// still leave a valid buffer behind.
//
// b is closed before Pump returns, so subscribers see the end of the
// stream. The returned error is the fatal read error, or nil when done was
// closed.
func Pump(done <-chan struct{}, r StreamReader, b *Broadcaster, transient func(error) bool, frame func() AudioFrame) error {
	defer b.Close()
	for {
		err := r.Read()
		select {
		case <-done:
			return nil
		default:
		}
		if err != nil && (transient == nil || !transient(err)) {
			return err
		}
		b.Publish(frame())
	}
}
