package pty

// maxTitleLen bounds title accumulation so a malformed stream cannot
// grow memory; past it the withheld bytes are passed through as-is.
const maxTitleLen = 4096

const (
	oscGround = iota
	oscEsc
	oscBracket
	oscZero
	oscTitle
	oscTitleEsc
)

// oscScanner strips OSC 0 window-title sequences (ESC ] 0 ; title
// BEL, or ST-terminated) out of the output stream, reporting titles
// separately. All other bytes pass through untouched, including
// escape sequences that merely resemble a title prefix. The scanner
// is stateful so sequences split across read chunks are handled.
type oscScanner struct {
	state   int
	pending []byte // withheld prefix bytes, replayed if not a title
	title   []byte
}

// filter appends the non-title bytes of data to out and invokes
// onTitle for each completed title sequence. Returns the extended out
// slice.
func (sc *oscScanner) filter(data []byte, out []byte, onTitle func(string)) []byte {
	for _, b := range data {
		switch sc.state {
		case oscGround:
			if b == 0x1b {
				sc.state = oscEsc
				sc.pending = append(sc.pending[:0], b)
			} else {
				out = append(out, b)
			}
		case oscEsc:
			if b == ']' {
				sc.state = oscBracket
				sc.pending = append(sc.pending, b)
			} else {
				out = sc.abort(out, b)
			}
		case oscBracket:
			if b == '0' {
				sc.state = oscZero
				sc.pending = append(sc.pending, b)
			} else {
				out = sc.abort(out, b)
			}
		case oscZero:
			if b == ';' {
				sc.state = oscTitle
				sc.pending = append(sc.pending, b)
				sc.title = sc.title[:0]
			} else {
				out = sc.abort(out, b)
			}
		case oscTitle:
			switch {
			case b == 0x07:
				sc.emit(onTitle)
			case b == 0x1b:
				sc.state = oscTitleEsc
			case len(sc.title) >= maxTitleLen:
				out = append(out, sc.pending...)
				out = append(out, sc.title...)
				out = append(out, b)
				sc.reset()
			default:
				sc.title = append(sc.title, b)
			}
		case oscTitleEsc:
			if b == '\\' {
				sc.emit(onTitle)
			} else {
				sc.title = append(sc.title, 0x1b, b)
				sc.state = oscTitle
			}
		}
	}
	return out
}

// abort replays the withheld prefix: the sequence was not a title.
func (sc *oscScanner) abort(out []byte, b byte) []byte {
	out = append(out, sc.pending...)
	sc.pending = sc.pending[:0]
	if b == 0x1b {
		sc.state = oscEsc
		sc.pending = append(sc.pending, b)
		return out
	}
	sc.state = oscGround
	return append(out, b)
}

func (sc *oscScanner) emit(onTitle func(string)) {
	onTitle(string(sc.title))
	sc.reset()
}

// drain appends any bytes withheld for a candidate title sequence
// that can no longer complete, then resets the scanner. Called when
// the stream ends.
func (sc *oscScanner) drain(out []byte) []byte {
	out = append(out, sc.pending...)
	out = append(out, sc.title...)
	if sc.state == oscTitleEsc {
		// The ESC opening a possible terminator was consumed without
		// being stored.
		out = append(out, 0x1b)
	}
	sc.reset()
	return out
}

func (sc *oscScanner) reset() {
	sc.state = oscGround
	sc.pending = sc.pending[:0]
	sc.title = sc.title[:0]
}
