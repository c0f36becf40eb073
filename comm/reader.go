package comm

import (
	"io"

	"github.com/xy-kasumi/Spark-corefw/core"
)

// maxCommand caps one input line; a longer line is discarded whole.
const maxCommand = 255

// Reader assembles console bytes into commands. It runs in its own
// high-priority context: the cancel token "!" takes effect immediately
// without passing through the command queue, and commands arriving
// while the machine is not IDLE are silently dropped.
type Reader struct {
	r       io.Reader
	echo    io.Writer
	machine *core.Machine
	queue   chan string
}

// NewReader returns a reader that consumes raw bytes from r. Completed
// lines are acknowledged with a newline echo on echo (may be nil).
func NewReader(r io.Reader, echo io.Writer, machine *core.Machine) *Reader {
	return &Reader{
		r:       r,
		echo:    echo,
		machine: machine,
		// Single-slot queue: the reader blocks here until the main
		// loop consumes the previous command.
		queue: make(chan string, 1),
	}
}

// Run is the reader loop; it returns when the underlying reader fails.
func (rd *Reader) Run() {
	buf := make([]byte, 0, maxCommand)
	overflow := false
	one := make([]byte, 1)

	for {
		n, err := rd.r.Read(one)
		if n == 0 {
			if err != nil {
				return
			}
			continue
		}
		c := one[0]

		switch {
		case c == '\r' || c == '\n':
			// Accept CR, LF or CRLF; empty lines produce nothing.
			if len(buf) > 0 || overflow {
				rd.complete(string(buf), overflow)
			}
			buf = buf[:0]
			overflow = false

		case c == '\b' || c == 0x7F:
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
			}

		case c >= 0x20 && c <= 0x7E:
			if len(buf) < maxCommand {
				buf = append(buf, c)
			} else {
				overflow = true
			}
		}
		// Other control characters are ignored.
	}
}

func (rd *Reader) complete(line string, overflow bool) {
	if rd.echo != nil {
		io.WriteString(rd.echo, "\n")
	}

	// An overlong command is dropped whole rather than executed
	// truncated.
	if overflow {
		return
	}

	// Trim leading whitespace before matching.
	for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		line = line[1:]
	}
	if len(line) == 0 {
		return
	}

	// "!" is processed out of band regardless of state.
	if line == "!" {
		rd.machine.RequestCancel()
		return
	}

	if rd.machine.State() != core.StateIdle {
		return
	}

	rd.queue <- line
}

// Next blocks until the next accepted command.
func (rd *Reader) Next() string {
	return <-rd.queue
}
