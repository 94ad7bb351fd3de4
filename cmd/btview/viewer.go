package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/dacapoday/btreedb/kv"
)

const (
	keyCtrlC     = 3
	keyBackspace = 8
	keyLF        = 10
	keyCR        = 13
	keyEsc       = 27
	keyDelete    = 127
)

type command uint8

const (
	cmdNone command = iota
	cmdQuit
	cmdNext
	cmdPrev
	cmdNextPage
	cmdPrevPage
	cmdFirst
	cmdLast
	cmdSeek
)

// readCommand decodes one keystroke, including arrow and paging escape sequences.
func readCommand(in *bufio.Reader) (command, error) {
	b, err := in.ReadByte()
	if err != nil {
		return cmdQuit, err
	}
	switch b {
	case 'q', keyCtrlC:
		return cmdQuit, nil
	case 'j':
		return cmdNext, nil
	case 'k':
		return cmdPrev, nil
	case ' ':
		return cmdNextPage, nil
	case 'b':
		return cmdPrevPage, nil
	case 'g':
		return cmdFirst, nil
	case 'G':
		return cmdLast, nil
	case '/':
		return cmdSeek, nil
	case keyEsc:
		if in.Buffered() == 0 {
			return cmdQuit, nil
		}
	default:
		return cmdNone, nil
	}

	// CSI sequences: ESC [ A, ESC [ B, ESC [ 5 ~, ESC [ 6 ~
	if next, _ := in.ReadByte(); next != '[' {
		return cmdNone, nil
	}
	code, _ := in.ReadByte()
	switch code {
	case 'A':
		return cmdPrev, nil
	case 'B':
		return cmdNext, nil
	case '5', '6':
		in.ReadByte() // '~'
		if code == '5' {
			return cmdPrevPage, nil
		}
		return cmdNextPage, nil
	}
	return cmdNone, nil
}

func browse(db *kv.Database, name string) error {
	fd := int(os.Stdin.Fd())
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, saved)

	fmt.Print("\033[?25l\033[2J")
	defer fmt.Print("\033[?25h\033[2J\033[H")

	v := &viewer{db: db, name: name}
	v.resize()
	v.show(nil)

	in := bufio.NewReader(os.Stdin)
	for {
		if v.resize() {
			v.show(v.top())
		}
		v.draw()

		cmd, err := readCommand(in)
		if cmd == cmdQuit || err != nil {
			return nil
		}
		v.status = ""
		switch cmd {
		case cmdNext:
			v.forward(1)
		case cmdPrev:
			v.back(1)
		case cmdNextPage:
			v.forward(v.rows() - 1)
		case cmdPrevPage:
			v.back(v.rows() - 1)
		case cmdFirst:
			v.show(nil)
		case cmdLast:
			v.show(v.before(nil, v.rows()))
		case cmdSeek:
			if prefix := v.prompt(in); len(prefix) > 0 {
				v.seek(prefix)
			}
		}
	}
}

type entry struct {
	key, val []byte
}

// viewer shows one screen of entries starting at a key. The tree only
// iterates forward, so moving back rescans from the first key.
type viewer struct {
	db      *kv.Database
	name    string
	entries []entry
	more    bool // entries follow the last one shown
	width   int
	height  int
	status  string
	err     error
}

// resize picks up the terminal size and reports whether it changed.
func (v *viewer) resize() bool {
	width, height, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		width, height = 80, 24
	}
	changed := width != v.width || height != v.height
	v.width, v.height = width, height
	return changed
}

// rows is the number of entry lines between the title bar and the status bar.
func (v *viewer) rows() int {
	return max(v.height-4, 1)
}

func (v *viewer) top() []byte {
	if len(v.entries) == 0 {
		return nil
	}
	return v.entries[0].key
}

// show fills the screen from start on; nil starts at the first key.
func (v *viewer) show(start []byte) {
	rows := v.rows()
	v.entries = v.entries[:0]
	v.more = false
	v.err = v.db.ForEach(start, nil, func(key, val []byte) bool {
		if len(v.entries) == rows {
			v.more = true
			return false
		}
		v.entries = append(v.entries, entry{bytes.Clone(key), bytes.Clone(val)})
		return true
	})
}

// before returns the key n entries before key, or nil when there are fewer.
// A nil key means past the last entry.
func (v *viewer) before(key []byte, n int) []byte {
	if n <= 0 {
		return key
	}
	ring := make([][]byte, n)
	var seen int
	v.err = v.db.ForAll(func(k, _ []byte) bool {
		if key != nil && bytes.Compare(k, key) >= 0 {
			return false
		}
		ring[seen%n] = bytes.Clone(k)
		seen++
		return true
	})
	if seen < n {
		return nil
	}
	return ring[seen%n]
}

// atFirst reports whether the screen begins at the first key.
func (v *viewer) atFirst() bool {
	if len(v.entries) == 0 {
		return true
	}
	var first []byte
	v.db.ForAll(func(key, _ []byte) bool {
		first = bytes.Clone(key)
		return false
	})
	return bytes.Equal(first, v.entries[0].key)
}

// forward scrolls down n entries, keeping at least one on screen.
func (v *viewer) forward(n int) {
	if n = min(n, len(v.entries)-1); n > 0 {
		v.show(v.entries[n].key)
	}
}

func (v *viewer) back(n int) {
	if len(v.entries) > 0 {
		v.show(v.before(v.top(), n))
	}
}

// seek shows the entries from the first key at or after prefix padded with zeros.
func (v *viewer) seek(prefix []byte) {
	keySize := v.db.KeySize()
	key := make([]byte, keySize)
	copy(key, prefix)
	v.show(key)
	if len(v.entries) == 0 || !bytes.HasPrefix(v.entries[0].key, prefix[:min(len(prefix), keySize)]) {
		v.status = "no key with prefix " + format(prefix, 20)
		return
	}
	v.status = "at " + format(v.entries[0].key, 20)
}

// prompt reads a line of printable ASCII on the status row; Esc cancels.
func (v *viewer) prompt(in *bufio.Reader) []byte {
	fmt.Printf("\033[?25h\033[%d;1H\033[K/", v.height)
	defer fmt.Print("\033[?25l")

	var line []byte
	for {
		b, err := in.ReadByte()
		switch {
		case err != nil, b == keyEsc, b == keyCtrlC:
			return nil
		case b == keyCR, b == keyLF:
			return line
		case b == keyDelete, b == keyBackspace:
			if n := len(line); n > 0 {
				line = line[:n-1]
				fmt.Print("\b \b")
			}
		case b >= ' ' && b <= '~':
			line = append(line, b)
			fmt.Printf("%c", b)
		}
	}
}

func (v *viewer) draw() {
	const eol = "\033[K\r\n"
	rule := mutedStyle.Render(strings.Repeat("─", v.width))

	var screen strings.Builder
	screen.WriteString("\033[H")
	screen.WriteString(titleStyle.Render("btview " + v.name))
	screen.WriteString(eol)
	screen.WriteString(rule + eol)

	keyWidth := min(2*v.db.KeySize()+3, 40)
	valWidth := max(v.width-keyWidth-4, 20)
	for row := range v.rows() {
		if row < len(v.entries) {
			e := v.entries[row]
			screen.WriteString(keyStyle.Render(format(e.key, keyWidth)) + "  " + format(e.val, valWidth))
		} else {
			screen.WriteString(mutedStyle.Render("~"))
		}
		screen.WriteString(eol)
	}
	screen.WriteString(rule + eol)

	var where string
	switch first := v.atFirst(); {
	case first && !v.more:
		where = "all"
	case first:
		where = "top"
	case !v.more:
		where = "end"
	default:
		where = "..."
	}
	status := v.status
	switch {
	case v.err != nil:
		status = v.err.Error()
	case status == "":
		status = "j/k line  space/b page  g/G ends  / seek  q quit"
	}
	screen.WriteString(statusStyle.Render(fmt.Sprintf(" %s  [%s] ", status, where)))
	screen.WriteString("\033[K")

	fmt.Print(screen.String())
}

// format renders b as text when it is printable UTF-8, otherwise as hex,
// cut to width with a trailing ellipsis.
func format(b []byte, width int) string {
	if len(b) == 0 {
		return "(empty)"
	}
	text := string(b)
	if !utf8.Valid(b) || strings.ContainsFunc(text, func(r rune) bool {
		return !unicode.IsPrint(r) && !unicode.IsSpace(r)
	}) {
		text = hex.EncodeToString(b)
	}
	if utf8.RuneCountInString(text) <= width {
		return text
	}
	runes := []rune(text)
	return string(runes[:max(width-3, 0)]) + "..."
}
