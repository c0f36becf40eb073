// Package comm implements the semi-structured console protocol on the
// host serial link. As soon as the console is up, all firmware output
// must go through a Printer so every line carries the prefix the host
// parses to track machine state.
package comm

import (
	"encoding/base64"
	"fmt"
	"hash/adler32"
	"io"
	"sync"

	"github.com/xy-kasumi/Spark-corefw/core"
)

// maxLine caps one output line; longer output is silently truncated.
const maxLine = 256

// Printer writes mode-prefixed lines to the host. Writes are serialised
// by an internal mutex.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	machine *core.Machine
}

// NewPrinter returns a printer bound to the console writer and the
// state machine that selects prefixes.
func NewPrinter(w io.Writer, machine *core.Machine) *Printer {
	return &Printer{w: w, machine: machine}
}

func (p *Printer) writeLine(line string) {
	if len(line) > maxLine {
		line = line[:maxLine]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, line)
	io.WriteString(p.w, "\n")
}

// Print emits a generic line: "I " in IDLE, "> " interactive, "@ "
// streaming.
func (p *Printer) Print(format string, args ...any) {
	var prefix string
	switch p.machine.State() {
	case core.StateExecInteractive:
		prefix = "> "
	case core.StateExecStream:
		prefix = "@ "
	default:
		prefix = "I "
	}
	p.writeLine(prefix + fmt.Sprintf(format, args...))
}

// Info emits an informational line: ">inf " / "@inf ", or "I " in IDLE.
func (p *Printer) Info(format string, args ...any) {
	var prefix string
	switch p.machine.State() {
	case core.StateExecInteractive:
		prefix = ">inf "
	case core.StateExecStream:
		prefix = "@inf "
	default:
		prefix = "I "
	}
	p.writeLine(prefix + fmt.Sprintf(format, args...))
}

// Err emits an error line: ">err " / "@err ", or "I " in IDLE.
func (p *Printer) Err(format string, args ...any) {
	var prefix string
	switch p.machine.State() {
	case core.StateExecInteractive:
		prefix = ">err "
	case core.StateExecStream:
		prefix = "@err "
	default:
		prefix = "I "
	}
	p.writeLine(prefix + fmt.Sprintf(format, args...))
}

// Ack emits the command-accepted marker.
func (p *Printer) Ack() {
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, ">ack\n")
}

// Blob emits binary data as one framed line:
//
//	>blob <base64url> <adler32-hex8>
//
// The payload is unpadded URL-safe base64; the checksum is the Adler-32
// of the raw bytes, lowercase big-endian hex. {1,2,3,4} encodes as
// ">blob AQIDBA 0018000b".
func (p *Printer) Blob(data []byte) {
	enc := base64.RawURLEncoding.EncodeToString(data)
	sum := adler32.Checksum(data)

	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, ">blob ")
	io.WriteString(p.w, enc)
	fmt.Fprintf(p.w, " %08x\n", sum)
}
