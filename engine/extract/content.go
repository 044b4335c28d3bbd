package extract

import (
	"strconv"
	"strings"
)

// contentText pulls the shown text out of a decoded PDF page content stream.
// It follows the text-showing operators (Tj, TJ, ', ") and treats T*, BT, Tm
// and vertical Td/TD moves as line breaks. Glyph bytes are read as Latin-1,
// which matches the standard 14 fonts with WinAnsi or standard encoding.
func contentText(stream []byte) string {
	lx := &lexer{b: stream}
	tb := &textBuilder{}

	var args []operand
	for {
		op, ok := lx.next()
		if !ok {
			break
		}
		if op.kind != kindOp {
			args = append(args, op)
			continue
		}
		switch op.op {
		case "BT", "T*", "Tm":
			tb.newline()
		case "Td", "TD":
			if len(args) >= 2 && args[len(args)-1].num != 0 {
				tb.newline()
			}
		case "Tj":
			if s, ok := lastString(args); ok {
				tb.show(s)
			}
		case "'":
			tb.newline()
			if s, ok := lastString(args); ok {
				tb.show(s)
			}
		case `"`:
			tb.newline()
			if s, ok := lastString(args); ok {
				tb.show(s)
			}
		case "TJ":
			if len(args) > 0 && args[len(args)-1].kind == kindArray {
				for _, el := range args[len(args)-1].arr {
					switch el.kind {
					case kindString:
						tb.show(el.str)
					case kindNumber:
						if el.num < -200 {
							tb.space()
						}
					}
				}
			}
		case "ID":
			lx.skipInlineImage()
		}
		args = args[:0]
	}
	return tb.String()
}

func lastString(args []operand) ([]byte, bool) {
	if len(args) == 0 || args[len(args)-1].kind != kindString {
		return nil, false
	}
	return args[len(args)-1].str, true
}

type textBuilder struct {
	lines []string
	cur   strings.Builder
}

func (t *textBuilder) show(s []byte) {
	for _, c := range s {
		switch {
		case c == '\t':
			t.cur.WriteByte(' ')
		case c < 0x20 || c == 0x7f:
		default:
			t.cur.WriteRune(rune(c))
		}
	}
}

func (t *textBuilder) space() {
	s := t.cur.String()
	if s != "" && !strings.HasSuffix(s, " ") {
		t.cur.WriteByte(' ')
	}
}

func (t *textBuilder) newline() {
	if line := strings.TrimRight(t.cur.String(), " "); line != "" {
		t.lines = append(t.lines, line)
	}
	t.cur.Reset()
}

func (t *textBuilder) String() string {
	t.newline()
	return strings.Join(t.lines, "\n")
}

type operandKind int

const (
	kindNumber operandKind = iota
	kindString
	kindName
	kindArray
	kindOp
	kindOther
)

type operand struct {
	kind operandKind
	num  float64
	str  []byte
	arr  []operand
	op   string
}

type lexer struct {
	b []byte
	i int
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) != -1
}

func (l *lexer) skipSpace() {
	for l.i < len(l.b) {
		c := l.b[l.i]
		switch {
		case isSpace(c):
			l.i++
		case c == '%':
			for l.i < len(l.b) && l.b[l.i] != '\n' && l.b[l.i] != '\r' {
				l.i++
			}
		default:
			return
		}
	}
}

func (l *lexer) regular() string {
	start := l.i
	for l.i < len(l.b) && !isSpace(l.b[l.i]) && !isDelim(l.b[l.i]) {
		l.i++
	}
	return string(l.b[start:l.i])
}

// next returns the following operand or operator. ok is false at end of input.
func (l *lexer) next() (operand, bool) {
	for {
		l.skipSpace()
		if l.i >= len(l.b) {
			return operand{}, false
		}
		c := l.b[l.i]
		switch c {
		case '(':
			l.i++
			return operand{kind: kindString, str: l.literal()}, true
		case '<':
			if l.i+1 < len(l.b) && l.b[l.i+1] == '<' {
				l.i += 2
				return operand{kind: kindOther}, true
			}
			l.i++
			return operand{kind: kindString, str: l.hex()}, true
		case '>':
			l.i++
			if l.i < len(l.b) && l.b[l.i] == '>' {
				l.i++
			}
			return operand{kind: kindOther}, true
		case '[':
			l.i++
			var arr []operand
			for {
				l.skipSpace()
				if l.i >= len(l.b) {
					break
				}
				if l.b[l.i] == ']' {
					l.i++
					break
				}
				el, ok := l.next()
				if !ok {
					break
				}
				arr = append(arr, el)
			}
			return operand{kind: kindArray, arr: arr}, true
		case ']', '{', '}', ')':
			l.i++
			continue
		case '/':
			l.i++
			return operand{kind: kindName, op: l.regular()}, true
		}
		word := l.regular()
		if word == "" {
			l.i++
			continue
		}
		if f, err := strconv.ParseFloat(word, 64); err == nil {
			return operand{kind: kindNumber, num: f}, true
		}
		if c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
			return operand{kind: kindNumber}, true
		}
		return operand{kind: kindOp, op: word}, true
	}
}

// literal reads a (string) body; the opening paren is already consumed.
func (l *lexer) literal() []byte {
	var out []byte
	depth := 1
	for l.i < len(l.b) {
		c := l.b[l.i]
		l.i++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		case '\\':
			if l.i >= len(l.b) {
				return out
			}
			e := l.b[l.i]
			l.i++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if l.i < len(l.b) && l.b[l.i] == '\n' {
					l.i++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && l.i < len(l.b) && l.b[l.i] >= '0' && l.b[l.i] <= '7'; k++ {
						v = v*8 + int(l.b[l.i]-'0')
						l.i++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

// hex reads a <hex string> body; the opening bracket is already consumed.
func (l *lexer) hex() []byte {
	var digits []byte
	for l.i < len(l.b) && l.b[l.i] != '>' {
		if c := l.b[l.i]; !isSpace(c) {
			digits = append(digits, c)
		}
		l.i++
	}
	l.i++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for k := 0; k < len(digits); k += 2 {
		v, err := strconv.ParseUint(string(digits[k:k+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return out
}

// skipInlineImage jumps past the binary data of an inline image to its EI.
func (l *lexer) skipInlineImage() {
	for l.i+2 < len(l.b) {
		if isSpace(l.b[l.i]) && l.b[l.i+1] == 'E' && l.b[l.i+2] == 'I' &&
			(l.i+3 == len(l.b) || isSpace(l.b[l.i+3]) || isDelim(l.b[l.i+3])) {
			l.i += 3
			return
		}
		l.i++
	}
	l.i = len(l.b)
}
