package eventloop

import (
	"errors"
	"io"

	"github.com/a-essam23/go-chatroom/pkg/protocol"
)

// errWouldBlock reports that a non-blocking read found nothing more.
var errWouldBlock = errors.New("eventloop: would block")

type reader interface {
	Read(p []byte) (int, error)
}

// drainResult is everything one readiness edge produced.
type drainResult struct {
	frames [][]byte
	eof    bool
	err    error
}

// drain reads until the socket would block, hits EOF or fails, feeding every
// byte to dec. With edge-triggered readiness nothing is announced again, so
// stopping any earlier would strand data in the kernel. Frames completed
// before an EOF or error are still returned.
func drain(r reader, buf []byte, dec *protocol.Decoder) drainResult {
	var res drainResult
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			res.frames = append(res.frames, frames...)
			if ferr != nil {
				res.err = ferr
				return res
			}
		}
		switch {
		case errors.Is(err, errWouldBlock):
			return res
		case errors.Is(err, io.EOF):
			res.eof = true
			return res
		case err != nil:
			res.err = err
			return res
		case n == 0:
			res.eof = true
			return res
		}
	}
}
