package asm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/stackvm/vm"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is an assembly error at a source position.
type Error struct {
	Pos Position
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

// ErrorList collects every error found in one source text, in source order.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	msgs := make([]string, len(l))
	for k, e := range l {
		msgs[k] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// Program is the result of assembling one source text.
type Program struct {
	Code    []uint16
	Symbols map[string]uint16 // label -> word address
	Lines   map[uint16]int    // instruction address -> source line
}

// LineOf returns the source line of the instruction at addr, or 0.
func (p *Program) LineOf(addr uint16) int {
	return p.Lines[addr]
}

// Labels returns the label names sorted by address, then name.
func (p *Program) Labels() []string {
	names := make([]string, 0, len(p.Symbols))
	for name := range p.Symbols {
		names = append(names, name)
	}
	sort.Slice(names, func(a, b int) bool {
		if p.Symbols[names[a]] != p.Symbols[names[b]] {
			return p.Symbols[names[a]] < p.Symbols[names[b]]
		}
		return names[a] < names[b]
	})
	return names
}

// Assemble translates source to a word stream.
func Assemble(src string) ([]uint16, error) {
	prog, err := AssembleProgram(src)
	if err != nil {
		return nil, err
	}
	return prog.Code, nil
}

// AssembleProgram translates source and keeps its symbol table and line
// map. On failure the error is an ErrorList.
func AssembleProgram(src string) (*Program, error) {
	p := NewParser(src)
	prog := p.Parse()
	if errs := p.Errors(); len(errs) > 0 {
		return nil, errs
	}
	return prog, nil
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// labelInfo tracks a label and where it was first defined or referenced.
type labelInfo struct {
	label   *vm.Label
	defined bool
	defPos  Position
	refPos  Position
	refd    bool
}

// Parser assembles statements as it reads them. Forward references are
// patched by the builder when their label is marked.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	errors    ErrorList

	builder *vm.BytecodeBuilder
	labels  map[string]*labelInfo
	order   []string // label names in first-seen order
	lines   map[uint16]int
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer:   NewLexer(input),
		builder: vm.NewBytecodeBuilder(),
		labels:  make(map[string]*labelInfo),
		lines:   make(map[uint16]int),
	}
	// Read two tokens to fill curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// errorf records an error at pos.
func (p *Parser) errorf(pos Position, format string, args ...interface{}) {
	p.errors = append(p.errors, &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

// Errors returns accumulated errors.
func (p *Parser) Errors() ErrorList {
	return p.errors
}

// skipLine discards tokens up to and including the next newline.
func (p *Parser) skipLine() {
	for !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		p.nextToken()
	}
	if p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

// Parse reads the whole input. Check Errors before using the result.
func (p *Parser) Parse() *Program {
	for !p.curTokenIs(TokenEOF) {
		p.parseLine()
	}

	for _, name := range p.order {
		info := p.labels[name]
		if info.refd && !info.defined {
			p.errorf(info.refPos, "undefined label %q", name)
		}
	}
	if p.builder.Len() > vm.MaxCodeWords {
		p.errorf(p.curToken.Pos, "program is %d words, limit is %d", p.builder.Len(), vm.MaxCodeWords)
	}
	if len(p.errors) > 0 {
		sort.SliceStable(p.errors, func(a, b int) bool {
			return p.errors[a].Pos.Offset < p.errors[b].Pos.Offset
		})
		return nil
	}

	code, err := p.builder.Build()
	if err != nil {
		// every referenced label was checked above
		p.errorf(p.curToken.Pos, "%v", err)
		return nil
	}
	prog := &Program{Code: code, Symbols: make(map[string]uint16), Lines: p.lines}
	for name, info := range p.labels {
		if info.defined {
			prog.Symbols[name] = info.label.Position()
		}
	}
	return prog
}

// parseLine parses
//
//	{ label ":" } [ address ] [ statement ] NEWLINE
func (p *Parser) parseLine() {
	for p.curTokenIs(TokenIdentifier) && p.peekTokenIs(TokenColon) {
		p.defineLabel(p.curToken)
		p.nextToken()
		p.nextToken()
	}

	// listing address, as printed by the disassembler
	if p.curTokenIs(TokenInteger) {
		p.checkAddress(p.curToken)
		p.nextToken()
	}

	switch p.curToken.Type {
	case TokenNewline:
		p.nextToken()
		return
	case TokenEOF:
		return
	case TokenIdentifier:
		p.parseStatement()
	case TokenError:
		p.errorf(p.curToken.Pos, "%s", p.curToken.Literal)
		p.skipLine()
		return
	default:
		p.errorf(p.curToken.Pos, "expected instruction, got %s", p.curToken.Type)
		p.skipLine()
		return
	}

	if !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		p.errorf(p.curToken.Pos, "unexpected %s after statement", p.curToken)
		p.skipLine()
		return
	}
	if p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

func (p *Parser) checkAddress(tok Token) {
	addr, ok := p.parseValue(tok)
	if ok && int(addr) != p.builder.Len() {
		p.errorf(tok.Pos, "listing address %04d does not match actual address %04d", addr, p.builder.Len())
	}
}

func (p *Parser) lookupLabel(name string) *labelInfo {
	info, ok := p.labels[name]
	if !ok {
		info = &labelInfo{label: p.builder.NewLabel(name)}
		p.labels[name] = info
		p.order = append(p.order, name)
	}
	return info
}

func (p *Parser) defineLabel(tok Token) {
	name := tok.Literal
	if _, isOp := vm.LookupMnemonic(name); isOp {
		p.errorf(tok.Pos, "label %q is a mnemonic", name)
		return
	}
	info := p.lookupLabel(name)
	if info.defined {
		p.errorf(tok.Pos, "label %q already defined at %s", name, info.defPos)
		return
	}
	info.defined = true
	info.defPos = tok.Pos
	p.builder.Mark(info.label)
}

// operand is a parsed operand: a value or a label reference.
type operand struct {
	value uint16
	label *vm.Label
}

// parseStatement parses a mnemonic or directive with its operands. The
// current token is the identifier.
func (p *Parser) parseStatement() {
	head := p.curToken
	p.nextToken()

	var ops []operand
	okOperands := true
	for !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		op, ok := p.parseOperand()
		if !ok {
			okOperands = false
			p.skipToEndOfLine()
			break
		}
		ops = append(ops, op)
	}

	if strings.HasPrefix(head.Literal, ".") {
		p.directive(head, ops, okOperands)
		return
	}

	opcode, ok := vm.LookupMnemonic(head.Literal)
	if !ok {
		p.errorf(head.Pos, "unknown instruction %q", head.Literal)
		return
	}
	if !okOperands {
		return
	}
	if len(ops) != opcode.Arity() {
		p.errorf(head.Pos, "%s takes %d operand(s), got %d", opcode.Name(), opcode.Arity(), len(ops))
		return
	}

	p.lines[uint16(p.builder.Len())] = head.Pos.Line
	p.builder.EmitWords(uint16(opcode))
	p.emitOperands(ops)
}

func (p *Parser) directive(head Token, ops []operand, okOperands bool) {
	switch strings.ToLower(head.Literal) {
	case ".word":
		if !okOperands {
			return
		}
		if len(ops) == 0 {
			p.errorf(head.Pos, ".word needs at least one operand")
			return
		}
		p.lines[uint16(p.builder.Len())] = head.Pos.Line
		p.emitOperands(ops)
	default:
		p.errorf(head.Pos, "unknown directive %q", head.Literal)
	}
}

func (p *Parser) emitOperands(ops []operand) {
	for _, op := range ops {
		if op.label != nil {
			p.builder.EmitLabelRef(op.label)
		} else {
			p.builder.EmitWords(op.value)
		}
	}
}

// skipToEndOfLine leaves the newline (or EOF) as the current token.
func (p *Parser) skipToEndOfLine() {
	for !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		p.nextToken()
	}
}

func (p *Parser) parseOperand() (operand, bool) {
	tok := p.curToken
	p.nextToken()

	switch tok.Type {
	case TokenInteger, TokenCharacter:
		v, ok := p.parseValue(tok)
		return operand{value: v}, ok
	case TokenIdentifier:
		info := p.lookupLabel(tok.Literal)
		if !info.refd {
			info.refd = true
			info.refPos = tok.Pos
		}
		return operand{label: info.label}, true
	case TokenError:
		p.errorf(tok.Pos, "%s", tok.Literal)
		return operand{}, false
	default:
		p.errorf(tok.Pos, "expected operand, got %s", tok)
		return operand{}, false
	}
}

// parseValue converts an integer or character token to a word.
func (p *Parser) parseValue(tok Token) (uint16, bool) {
	if tok.Type == TokenCharacter {
		r, err := unquoteChar(tok.Literal)
		if err != nil {
			p.errorf(tok.Pos, "%v", err)
			return 0, false
		}
		if r > 0xFFFF {
			p.errorf(tok.Pos, "character %s does not fit in a word", tok.Literal)
			return 0, false
		}
		return uint16(r), true
	}

	lit, base := tok.Literal, 10
	if len(lit) > 2 && (lit[:2] == "0x" || lit[:2] == "0X") {
		lit, base = lit[2:], 16
	}
	// listing addresses carry leading zeros, so no octal
	v, err := strconv.ParseUint(lit, base, 16)
	if err != nil {
		p.errorf(tok.Pos, "value %s out of range 0..65535", tok.Literal)
		return 0, false
	}
	return uint16(v), true
}

// unquoteChar decodes a character literal including its quotes.
func unquoteChar(lit string) (rune, error) {
	body := lit[1 : len(lit)-1]
	if body[0] != '\\' {
		r := []rune(body)
		return r[0], nil
	}
	switch body[1] {
	case 'n':
		return '\n', nil
	case 'r':
		return '\r', nil
	case 't':
		return '\t', nil
	case '0':
		return 0, nil
	case '\\':
		return '\\', nil
	case '\'':
		return '\'', nil
	}
	return 0, fmt.Errorf("unknown escape %s", lit)
}
