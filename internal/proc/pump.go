package proc

const pumpChunkSize = 32 * 1024

// pumpOutput relays bytes from the session's output handle to the readable
// endpoint until the handle reports an error. Any read error, EOF included,
// ends the stream: the child side of a pty or pipe going away surfaces as a
// platform-specific error that means the same thing.
func (h *Handle) pumpOutput() {
	defer h.pumps.Done()
	r := h.session.output()
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.outQ.Write(buf[:n]); werr != nil {
				// Consumer closed the endpoint; stop delivering.
				return
			}
		}
		if err != nil {
			h.logger.Debug("output pump finished", "pid", h.pid, "error", err)
			h.outQ.seal(nil)
			return
		}
	}
}

// pumpInput relays bytes queued on the writable endpoint to the session's
// input handle. A write failure means the child closed its stdin; the
// endpoint is sealed with that error so later writes fail instead of
// queueing silently.
func (h *Handle) pumpInput() {
	defer h.pumps.Done()
	w := h.session.input()
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := h.inQ.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Debug("input pump finished", "pid", h.pid, "error", werr)
				h.inQ.seal(werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
