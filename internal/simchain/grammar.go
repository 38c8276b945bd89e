package simchain

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// chainLexer tokenizes simulated chain descriptions such as
//
//	tap idcode=0x149511C3 irlen=4 reg 0x2 len=5 value=10110
//	tap irlen=6   # bypass-only device
var chainLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s]+`},
	{Name: "Hex", Pattern: `0[xX][0-9a-fA-F]+`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[=;,]`},
})

// ChainFile is the root of a parsed description. Devices are listed
// starting with the one nearest TDO.
type ChainFile struct {
	TAPs []*TAPDecl `( @@ ( ";" | "," )* )*`
}

// TAPDecl declares one simulated device.
type TAPDecl struct {
	Pos lexer.Position

	Attrs     []*Attr    `"tap" @@*`
	Registers []*RegDecl `@@*`
}

// Attr is a key=value device attribute.
type Attr struct {
	Pos lexer.Position

	Key   string `@( "idcode" | "irlen" | "capture" | "idcode_ir" )`
	Value string `"=" @( Hex | Int )`
}

// RegDecl declares a data register selected by an instruction opcode.
type RegDecl struct {
	Pos lexer.Position

	Opcode   string `"reg" @( Hex | Int )`
	Length   int    `"len" "=" @Int`
	Value    string `( "value" "=" @( Hex | Int ) )?`
	ReadOnly bool   `@"ro"?`
}
