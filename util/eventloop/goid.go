package eventloop

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID parses the id out of the runtime.Stack header
// ("goroutine 42 [running]:"). Only used to detect re-entrant Calls.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
