package device

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// fieldLexer tokenizes a single descriptor field such as "Harp1152" or
// "Fw1.0.0".
var fieldLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `Harp|Fw`},
	{Name: "Number", Pattern: `[0-9]+`},
	{Name: "Dot", Pattern: `\.`},
	{Name: "Whitespace", Pattern: `[ \t]+`},
})

// descriptorField is one '|' separated field of a descriptor.
type descriptorField struct {
	WhoAmI  *string         `  "Harp" Whitespace? @Number`
	Version *versionLiteral `| "Fw" Whitespace? @@`
}

type versionLiteral struct {
	Major string `@Number "."`
	Minor string `@Number "."`
	Patch string `@Number`
}

func (v *versionLiteral) version() (Version, error) {
	return ParseVersion(v.Major + "." + v.Minor + "." + v.Patch)
}

var fieldParser = participle.MustBuild[descriptorField](
	participle.Lexer(fieldLexer),
	participle.UseLookahead(2),
)

// Descriptor is the identity a Harp device advertises in its USB interface
// string, and that firmware embeds as its program description:
//
//	Harp<WhoAmI>[|Fw<major>.<minor>.<patch>][|<description>]
//
// Whitespace is trimmed only around the delimiters.
type Descriptor struct {
	WhoAmI      uint16
	Version     *Version
	Description string
}

// ParseDescriptor parses s. It reports false when s does not start with a
// valid Harp<WhoAmI> field.
func ParseDescriptor(s string) (Descriptor, bool) {
	if !strings.HasPrefix(s, "Harp") {
		return Descriptor{}, false
	}

	value, rest := splitField(s)
	field, err := fieldParser.ParseString("", value)
	if err != nil || field.WhoAmI == nil {
		return Descriptor{}, false
	}
	whoAmI, err := strconv.ParseUint(*field.WhoAmI, 10, 16)
	if err != nil {
		return Descriptor{}, false
	}
	d := Descriptor{WhoAmI: uint16(whoAmI)}

	// A field that only looks like a version is part of the description.
	if strings.HasPrefix(rest, "Fw") {
		value, after := splitField(rest)
		if field, err := fieldParser.ParseString("", value); err == nil && field.Version != nil {
			if v, err := field.Version.version(); err == nil {
				d.Version = &v
				rest = after
			}
		}
	}

	d.Description = rest
	return d, true
}

// splitField cuts s at the first '|'. The field loses trailing whitespace and
// the remainder loses leading whitespace.
func splitField(s string) (value, rest string) {
	value, rest, found := strings.Cut(s, "|")
	if found {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
	}
	return strings.TrimRightFunc(value, unicode.IsSpace), rest
}

func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString("Harp")
	b.WriteString(strconv.FormatUint(uint64(d.WhoAmI), 10))
	if d.Version != nil {
		b.WriteString("|Fw")
		b.WriteString(d.Version.String())
	}
	if d.Description != "" {
		b.WriteString("|")
		b.WriteString(d.Description)
	}
	return b.String()
}
