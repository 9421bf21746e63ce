package script

import (
	"strings"
)

// argSepChars is the set of characters splitting arguments outside of quotes.
const argSepChars = " \t\r\n#"

// A Fragment is a piece of an argument. Quoted fragments are exempt from
// variable expansion.
type Fragment struct {
	Text   string
	Quoted bool
}

// An Argument is one word of a directive, made of one or more fragments.
type Argument []Fragment

// String returns the literal argument text.
func (a Argument) String() string {
	var b strings.Builder
	for _, f := range a {
		b.WriteString(f.Text)
	}
	return b.String()
}

// quote re-serializes the argument so that parsing it yields the same
// fragments text. Adjacent quoted fragments share one quoted span.
func (a Argument) quote() string {
	var b strings.Builder
	for i := 0; i < len(a); {
		if !a[i].Quoted {
			b.WriteString(a[i].Text)
			i++
			continue
		}
		b.WriteByte('\'')
		for ; i < len(a) && a[i].Quoted; i++ {
			b.WriteString(strings.ReplaceAll(a[i].Text, "'", "''"))
		}
		b.WriteByte('\'')
	}
	return b.String()
}

// A Guard gates a directive on a condition. Tag is either "name" or
// "name:suffix".
type Guard struct {
	Tag    string
	Negate bool
}

func (g Guard) String() string {
	if g.Negate {
		return "[!" + g.Tag + "]"
	}
	return "[" + g.Tag + "]"
}

// A Directive is one parsed script line.
type Directive struct {
	Negate     bool // the command must fail
	MayFail    bool // the command may fail
	Guards     []Guard
	Command    string
	RawArgs    []Argument
	Background bool
	Line       int
	Raw        string
}

// String returns the directive in canonical script form.
func (d *Directive) String() string {
	var words []string
	switch {
	case d.Negate:
		words = append(words, "!")
	case d.MayFail:
		words = append(words, "?")
	}
	for _, g := range d.Guards {
		words = append(words, g.String())
	}
	words = append(words, quoteCommand(d.Command))
	for _, arg := range d.RawArgs {
		words = append(words, arg.quote())
	}
	if d.Background {
		words = append(words, "&")
	}
	return strings.Join(words, " ")
}

func quoteCommand(name string) string {
	switch {
	case name == "!" || name == "?" || strings.HasPrefix(name, "["):
		return "'" + name + "'"
	}
	return quoteArg(name)
}

// ParseLine parses one line of script. It returns a nil directive and a nil
// error for blank and comment-only lines.
func ParseLine(line string, lineno int) (*Directive, error) {
	d := &Directive{Line: lineno, Raw: line}

	var (
		arg         Argument
		start       = -1    // start of the pending fragment
		quoted      = false // inside a quoted span
		spanEmitted = false // the current quoted span produced a fragment
	)

	flushArg := func() error {
		if len(arg) == 0 {
			return nil
		}
		defer func() { arg = nil }()

		if d.Command == "" && len(arg) == 1 && !arg[0].Quoted {
			word := arg[0].Text
			switch word {
			case "!", "?":
				if d.Negate || d.MayFail {
					return &ParseError{Line: lineno, Msg: "duplicated '!' or '?' token"}
				}
				d.Negate = word == "!"
				d.MayFail = word == "?"
				return nil
			}

			if strings.HasPrefix(word, "[") && strings.HasSuffix(word, "]") {
				tag := strings.TrimSpace(word[1 : len(word)-1])
				g := Guard{}
				if strings.HasPrefix(tag, "!") {
					g.Negate = true
					tag = strings.TrimSpace(tag[1:])
				}
				if tag == "" {
					return &ParseError{Line: lineno, Msg: "empty condition"}
				}
				g.Tag = tag
				d.Guards = append(d.Guards, g)
				return nil
			}

			d.Command = word
			return nil
		}

		if d.Command == "" {
			// A quoted command name is taken literally.
			if d.Command = arg.String(); d.Command == "" {
				return &ParseError{Line: lineno, Msg: "empty command"}
			}
			return nil
		}

		d.RawArgs = append(d.RawArgs, arg)
		return nil
	}

	for i := 0; ; i++ {
		if !quoted && (i >= len(line) || strings.IndexByte(argSepChars, line[i]) >= 0) {
			if start >= 0 {
				arg = append(arg, Fragment{Text: line[start:i]})
				start = -1
			}
			if err := flushArg(); err != nil {
				return nil, err
			}
			if i >= len(line) || line[i] == '#' {
				break
			}
			continue
		}
		if i >= len(line) {
			return nil, &ParseError{Line: lineno, Msg: "unterminated quoted argument"}
		}
		if line[i] != '\'' {
			if start < 0 {
				start = i
			}
			continue
		}
		if !quoted {
			if start >= 0 {
				arg = append(arg, Fragment{Text: line[start:i]})
			}
			quoted, spanEmitted = true, false
			start = i + 1
			continue
		}
		// 'it''s' is it's.
		if i+1 < len(line) && line[i+1] == '\'' {
			if start < i {
				arg = append(arg, Fragment{Text: line[start:i], Quoted: true})
			}
			arg = append(arg, Fragment{Text: "'", Quoted: true})
			spanEmitted = true
			i++
			start = i + 1
			continue
		}
		if start < i || !spanEmitted {
			arg = append(arg, Fragment{Text: line[start:i], Quoted: true})
		}
		quoted = false
		start = -1
	}

	if d.Command == "" {
		if d.Negate || d.MayFail || len(d.Guards) > 0 || len(d.RawArgs) > 0 {
			return nil, &ParseError{Line: lineno, Msg: "missing command"}
		}
		return nil, nil
	}

	if n := len(d.RawArgs); n > 0 {
		last := d.RawArgs[n-1]
		if len(last) == 1 && !last[0].Quoted && last[0].Text == "&" {
			d.Background = true
			d.RawArgs = d.RawArgs[:n-1]
		}
	}
	return d, nil
}
