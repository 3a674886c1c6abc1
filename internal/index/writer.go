package index

import (
	"bufio"
	"io"

	"github.com/abramin/tracelens/internal/trace"
)

// Write serializes p at the current position of w.
//
// The header position and the function table are not known until every
// record has been emitted, so they are written as zeros first and patched
// once the rest of the index is out. On return w is positioned at the end of
// the index, whether or not an error occurred during patching.
func Write(w io.WriteSeeker, p *trace.Profile, layout Layout) error {
	base, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	cw := &countingWriter{w: bufio.NewWriterSize(w, 64*1024)}
	count := uint64(len(p.Functions))

	cw.write(layout.encode(layout.Version, 0, count))
	cw.write(make([]byte, int(count)*layout.Width))

	addrs := make([]uint64, len(p.Functions))
	for i, fn := range p.Functions {
		addrs[i] = uint64(cw.n)
		cw.write(layout.encode(
			fn.Line,
			fn.SelfCost,
			fn.InclusiveCost,
			fn.InvocationCount,
			uint64(len(fn.CalledFrom)),
			uint64(len(fn.SubCalls)),
		))
		for _, e := range fn.CalledFrom {
			cw.write(layout.encode(uint64(e.Function), e.Line, e.CallCount, e.SummedCost))
		}
		for _, e := range fn.SubCalls {
			cw.write(layout.encode(uint64(e.Function), e.Line, e.CallCount, e.SummedCost))
		}
		cw.writeString(fn.File + "\n" + fn.Name + "\n")
	}

	headerPos := uint64(cw.n)
	for _, h := range p.Headers {
		cw.writeString(h + "\n")
	}
	if err := cw.flush(); err != nil {
		return err
	}

	if err := patchAt(w, base+int64(layout.Width), layout.encode(headerPos)); err != nil {
		return err
	}
	return patchAt(w, base+layout.tableOffset(), layout.encode(addrs...))
}

// patchAt overwrites data at off and restores the stream position.
func patchAt(w io.WriteSeeker, off int64, data []byte) (err error) {
	here, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	defer func() {
		if _, serr := w.Seek(here, io.SeekStart); serr != nil && err == nil {
			err = serr
		}
	}()

	if _, err = w.Seek(off, io.SeekStart); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// countingWriter tracks the offset of the next byte and keeps the first error.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (cw *countingWriter) write(b []byte) {
	if cw.err != nil {
		return
	}
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	cw.err = err
}

func (cw *countingWriter) writeString(s string) {
	if cw.err != nil {
		return
	}
	n, err := cw.w.WriteString(s)
	cw.n += int64(n)
	cw.err = err
}

func (cw *countingWriter) flush() error {
	if cw.err != nil {
		return cw.err
	}
	return cw.w.Flush()
}
