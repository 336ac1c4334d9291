// Package buffer provides a generic, thread-safe ring buffer whose writers
// never block.
//
// When the buffer is full the overflow policy decides what is lost:
// DropOldest (the default) evicts the oldest item to make room, DropNewest
// discards the incoming item. Either way the write succeeds and the drop is
// counted and reported to an optional callback.
//
// The WebSocket transport gives every connected client one buffer so a slow
// client only loses its own oldest events and never stalls the dispatcher:
//
//	out := buffer.NewCircularBuffer[[]byte](256,
//	    buffer.WithDropCallback(func([]byte) { dropped.Inc() }),
//	)
//
//	// writer goroutine
//	for range out.Ready() {
//	    for _, msg := range out.ReadBatch(32) {
//	        send(msg)
//	    }
//	}
//
// Ready is signalled after each write and closed by Close, so the range loop
// above ends when the buffer is closed.
package buffer
