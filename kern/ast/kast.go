package ast

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// KAST is the binary AST wire format described in spec §6: a 6-byte
// header (`magic='KAST'|version:u16=1`) followed by a single Program
// node, itself a sequence of tagged fields.
//
// Field-kind tags mirror the original kern-ast serializer/deserializer
// (see original_source/kern-ast): NodeRef=0, NodeList=1, StringId=2,
// Int=3, Bool=4, Enum=5. Node-kind numbering 0-18 is inherited
// verbatim from that reference implementation for the declaration and
// expression forms it already enumerates; KERN adds five kinds (19-23)
// for QualifiedRef terms, If/Loop/Halt control actions and LogicalOp
// conditions, which the distilled grammar has but the reference
// enumeration predates.
var (
	kastMagic   = [4]byte{'K', 'A', 'S', 'T'}
	kastVersion = uint16(1)
)

// NodeKind numbers every AST node shape that can appear in a KAST
// stream. These values MUST be preserved across implementations
// (spec §6).
type NodeKind uint16

const (
	NodeProgram        NodeKind = 0
	NodeEntity         NodeKind = 1
	NodeAttribute      NodeKind = 2
	NodeRule           NodeKind = 3
	NodeParameter      NodeKind = 4
	NodeFlow           NodeKind = 5
	NodeFlowStep       NodeKind = 6
	NodeConstraint     NodeKind = 7
	NodeBinaryExpr     NodeKind = 8 // Comparison
	NodeUnaryExpr      NodeKind = 9
	NodeLiteralExpr    NodeKind = 10 // Number
	NodeIdentifierExpr NodeKind = 11 // Identifier term
	NodeCallExpr       NodeKind = 12 // Predicate
	NodeAssignAction   NodeKind = 13
	NodeEmitAction     NodeKind = 14
	NodeType           NodeKind = 15
	NodeIdentifier     NodeKind = 16
	NodeRuleRef        NodeKind = 17
	NodeConstraintRef  NodeKind = 18
	NodeQualifiedRef   NodeKind = 19
	NodeControlIf      NodeKind = 20
	NodeControlLoop    NodeKind = 21
	NodeControlHalt    NodeKind = 22
	NodeLogicalOp      NodeKind = 23
)

// FieldKind tags the shape of a single encoded field.
type FieldKind uint8

const (
	FieldNodeRef  FieldKind = 0
	FieldNodeList FieldKind = 1
	FieldStringID FieldKind = 2
	FieldInt      FieldKind = 3
	FieldBool     FieldKind = 4
	FieldEnum     FieldKind = 5
)

// ErrBadMagic is returned when a byte stream does not begin with the
// KAST magic number.
var ErrBadMagic = errors.New("ast: not a KAST stream")

// ErrUnsupportedVersion is returned for a KAST stream whose version
// this decoder does not understand.
var ErrUnsupportedVersion = errors.New("ast: unsupported KAST version")

// encoder accumulates a KAST byte stream. Optional fields that are
// absent are simply never written — field_count reflects exactly the
// fields that follow, resolving spec's Open Question (b) in favor of
// positional-decode safety (never the skipped-field shape).
type encoder struct {
	buf          bytes.Buffer
	fieldsBuf    bytes.Buffer
	fieldCount   uint16
	locationWrit bool
}

func newEncoder() *encoder { return &encoder{} }

func (e *encoder) writeNode(kind NodeKind, loc Location, write func(*encoder)) {
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, uint16(kind))
	binary.Write(&hdr, binary.LittleEndian, loc.FileID)
	binary.Write(&hdr, binary.LittleEndian, loc.Line)
	binary.Write(&hdr, binary.LittleEndian, loc.Col)
	binary.Write(&hdr, binary.LittleEndian, loc.Len)

	inner := &encoder{}
	write(inner)

	binary.Write(&hdr, binary.LittleEndian, inner.fieldCount)
	hdr.Write(inner.fieldsBuf.Bytes())

	e.fieldsBuf.Write(hdr.Bytes())
}

func (e *encoder) fieldString(s string) {
	e.fieldsBuf.WriteByte(byte(FieldStringID))
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(s)))
	e.fieldsBuf.Write(lb[:])
	e.fieldsBuf.WriteString(s)
	e.fieldCount++
}

func (e *encoder) fieldInt(v int64) {
	e.fieldsBuf.WriteByte(byte(FieldInt))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	e.fieldsBuf.Write(b[:])
	e.fieldCount++
}

func (e *encoder) fieldBool(v bool) {
	e.fieldsBuf.WriteByte(byte(FieldBool))
	if v {
		e.fieldsBuf.WriteByte(1)
	} else {
		e.fieldsBuf.WriteByte(0)
	}
	e.fieldCount++
}

func (e *encoder) fieldEnum(v uint8) {
	e.fieldsBuf.WriteByte(byte(FieldEnum))
	e.fieldsBuf.WriteByte(v)
	e.fieldCount++
}

// fieldNode embeds a single child node as a NodeRef field. Absent
// (write == nil) fields are simply never called by the caller, which
// is how optional fields disappear from field_count.
func (e *encoder) fieldNode(kind NodeKind, loc Location, write func(*encoder)) {
	e.fieldsBuf.WriteByte(byte(FieldNodeRef))
	var tmp encoder
	tmp.writeNode(kind, loc, write)
	e.fieldsBuf.Write(tmp.fieldsBuf.Bytes())
	e.fieldCount++
}

func (e *encoder) fieldNodeList(n int, each func(i int, e *encoder)) {
	e.fieldsBuf.WriteByte(byte(FieldNodeList))
	var cb [4]byte
	binary.LittleEndian.PutUint32(cb[:], uint32(n))
	e.fieldsBuf.Write(cb[:])
	for i := 0; i < n; i++ {
		each(i, e)
	}
	e.fieldCount++
}

// SerializeAST encodes a Program into the KAST binary wire format.
func SerializeAST(p *Program) ([]byte, error) {
	var out bytes.Buffer
	out.Write(kastMagic[:])
	binary.Write(&out, binary.LittleEndian, kastVersion)

	root := newEncoder()
	root.writeNode(NodeProgram, p.Loc, func(e *encoder) {
		// One list in declaration order, so the decoder gives back the
		// declarations in the order they were written.
		encodeDeclList(e, p.Declarations)
	})
	out.Write(root.fieldsBuf.Bytes())
	return out.Bytes(), nil
}

func encodeDeclList(e *encoder, decls []Declaration) {
	e.fieldNodeList(len(decls), func(i int, inner *encoder) {
		d := decls[i]
		switch v := d.Kind.(type) {
		case *Entity:
			encodeEntity(inner, v)
		case *Rule:
			encodeRule(inner, v)
		case *Flow:
			encodeFlow(inner, v)
		case *Constraint:
			encodeConstraint(inner, v)
		}
	})
}

// encodeNodeInline writes a node header+fields directly into the
// parent's field stream (used where a list element IS a node, rather
// than a NodeRef-wrapped field).
func encodeNodeInline(parent *encoder, kind NodeKind, loc Location, write func(*encoder)) {
	var hdr bytes.Buffer
	binary.Write(&hdr, binary.LittleEndian, uint16(kind))
	binary.Write(&hdr, binary.LittleEndian, loc.FileID)
	binary.Write(&hdr, binary.LittleEndian, loc.Line)
	binary.Write(&hdr, binary.LittleEndian, loc.Col)
	binary.Write(&hdr, binary.LittleEndian, loc.Len)

	inner := &encoder{}
	write(inner)
	binary.Write(&hdr, binary.LittleEndian, inner.fieldCount)
	hdr.Write(inner.fieldsBuf.Bytes())
	parent.fieldsBuf.Write(hdr.Bytes())
}

func encodeEntity(e *encoder, ent *Entity) {
	encodeNodeInline(e, NodeEntity, ent.Loc, func(inner *encoder) {
		inner.fieldString(ent.Name)
		inner.fieldNodeList(len(ent.Fields), func(i int, fe *encoder) {
			encodeNodeInline(fe, NodeAttribute, Location{}, func(ae *encoder) {
				ae.fieldString(ent.Fields[i])
			})
		})
	})
}

func encodeRule(e *encoder, r *Rule) {
	encodeNodeInline(e, NodeRule, r.Loc, func(inner *encoder) {
		inner.fieldString(r.Name)
		inner.fieldInt(int64(r.Priority))
		encodeConditionField(inner, r.Condition)
		inner.fieldNodeList(len(r.Actions), func(i int, ae *encoder) {
			encodeAction(ae, r.Actions[i])
		})
	})
}

func encodeFlow(e *encoder, f *Flow) {
	encodeNodeInline(e, NodeFlow, f.Loc, func(inner *encoder) {
		inner.fieldString(f.Name)
		inner.fieldNodeList(len(f.Steps), func(i int, se *encoder) {
			encodeAction(se, f.Steps[i])
		})
	})
}

func encodeConstraint(e *encoder, c *Constraint) {
	encodeNodeInline(e, NodeConstraint, c.Loc, func(inner *encoder) {
		inner.fieldString(c.Name)
		encodeConditionField(inner, c.Condition)
		inner.fieldEnum(uint8(c.Severity))
	})
}

func encodeConditionField(e *encoder, c Condition) {
	e.fieldsBuf.WriteByte(byte(FieldNodeRef))
	e.fieldCount++
	tmp := &encoder{}
	encodeCondition(tmp, c)
	e.fieldsBuf.Write(tmp.fieldsBuf.Bytes())
}

func encodeCondition(e *encoder, c Condition) {
	switch v := c.(type) {
	case *LogicalOp:
		encodeNodeInline(e, NodeLogicalOp, v.Loc, func(inner *encoder) {
			inner.fieldEnum(uint8(v.Op))
			encodeConditionField(inner, v.L)
			encodeConditionField(inner, v.R)
		})
	case *Comparison:
		encodeNodeInline(e, NodeBinaryExpr, v.Loc, func(inner *encoder) {
			inner.fieldEnum(uint8(v.Op))
			encodeTermField(inner, v.Left)
			encodeTermField(inner, v.Right)
		})
	case *Predicate:
		encodeNodeInline(e, NodeCallExpr, v.Loc, func(inner *encoder) {
			inner.fieldString(v.Name)
			inner.fieldNodeList(len(v.Args), func(i int, te *encoder) {
				encodeTerm(te, v.Args[i])
			})
		})
	default:
		panic(fmt.Sprintf("ast: unknown condition type %T", c))
	}
}

func encodeTermField(e *encoder, t Term) {
	e.fieldsBuf.WriteByte(byte(FieldNodeRef))
	e.fieldCount++
	tmp := &encoder{}
	encodeTerm(tmp, t)
	e.fieldsBuf.Write(tmp.fieldsBuf.Bytes())
}

func encodeTerm(e *encoder, t Term) {
	switch v := t.(type) {
	case *Identifier:
		encodeNodeInline(e, NodeIdentifierExpr, v.Loc, func(inner *encoder) {
			inner.fieldString(v.Name)
		})
	case *QualifiedRef:
		encodeNodeInline(e, NodeQualifiedRef, v.Loc, func(inner *encoder) {
			inner.fieldString(v.Entity)
			inner.fieldString(v.Field)
		})
	case *Number:
		encodeNodeInline(e, NodeLiteralExpr, v.Loc, func(inner *encoder) {
			inner.fieldInt(v.Value)
		})
	default:
		panic(fmt.Sprintf("ast: unknown term type %T", t))
	}
}

func encodeAction(e *encoder, a Action) {
	switch v := a.(type) {
	case *Predicate:
		encodeCondition(e, v) // Predicate-as-action reuses CallExpr encoding
	case *Assignment:
		encodeNodeInline(e, NodeAssignAction, v.Loc, func(inner *encoder) {
			inner.fieldString(v.Target)
			encodeTermField(inner, v.Value)
		})
	case *Control:
		encodeControl(e, v)
	default:
		panic(fmt.Sprintf("ast: unknown action type %T", a))
	}
}

func encodeControl(e *encoder, c *Control) {
	switch c.Kind {
	case ControlIf:
		encodeNodeInline(e, NodeControlIf, c.Loc, func(inner *encoder) {
			encodeConditionField(inner, c.Cond)
			inner.fieldNodeList(len(c.Then), func(i int, te *encoder) { encodeAction(te, c.Then[i]) })
			if len(c.Else) > 0 {
				inner.fieldNodeList(len(c.Else), func(i int, ee *encoder) { encodeAction(ee, c.Else[i]) })
			}
			// absent Else → field omitted entirely, field_count reflects it (Open Question b).
		})
	case ControlLoop:
		encodeNodeInline(e, NodeControlLoop, c.Loc, func(inner *encoder) {
			encodeConditionField(inner, c.Cond)
			inner.fieldNodeList(len(c.Body), func(i int, be *encoder) { encodeAction(be, c.Body[i]) })
			inner.fieldInt(int64(c.MaxIterations))
		})
	case ControlHalt:
		encodeNodeInline(e, NodeControlHalt, c.Loc, func(inner *encoder) {})
	}
}

// -- Decoding ----------------------------------------------------------

type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) u8() uint8 {
	v := d.b[d.pos]
	d.pos++
	return v
}

func (d *decoder) u16() uint16 {
	v := binary.LittleEndian.Uint16(d.b[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32() uint32 {
	v := binary.LittleEndian.Uint32(d.b[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) i64() int64 {
	v := int64(binary.LittleEndian.Uint64(d.b[d.pos:]))
	d.pos += 8
	return v
}

func (d *decoder) str() string {
	n := d.u32()
	s := string(d.b[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s
}

type nodeHeader struct {
	kind       NodeKind
	loc        Location
	fieldCount uint16
}

func (d *decoder) nodeHeader() nodeHeader {
	kind := NodeKind(d.u16())
	loc := Location{FileID: d.u32(), Line: d.u32(), Col: d.u32(), Len: d.u32()}
	fc := d.u16()
	return nodeHeader{kind: kind, loc: loc, fieldCount: fc}
}

// skipField is used when a decoder doesn't care about a particular
// field's contents but must still advance past it.
func (d *decoder) skipField() {
	kind := FieldKind(d.u8())
	switch kind {
	case FieldNodeRef:
		d.skipNode()
	case FieldNodeList:
		n := d.u32()
		for i := uint32(0); i < n; i++ {
			d.skipNode()
		}
	case FieldStringID:
		d.str()
	case FieldInt:
		d.i64()
	case FieldBool:
		d.u8()
	case FieldEnum:
		d.u8()
	}
}

func (d *decoder) skipNode() {
	h := d.nodeHeader()
	for i := uint16(0); i < h.fieldCount; i++ {
		d.skipField()
	}
}

// DeserializeAST decodes a KAST byte stream back into a Program. It is
// the exact inverse of SerializeAST on the AST domain (spec §8).
func DeserializeAST(data []byte) (*Program, error) {
	if len(data) < 6 || !bytes.Equal(data[:4], kastMagic[:]) {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != kastVersion {
		return nil, ErrUnsupportedVersion
	}
	d := &decoder{b: data, pos: 6}
	h := d.nodeHeader()
	if h.kind != NodeProgram {
		return nil, fmt.Errorf("ast: expected Program node, got kind %d", h.kind)
	}
	p := &Program{Loc: h.loc}
	for i := uint16(0); i < h.fieldCount; i++ {
		decls := d.decodeDeclList()
		p.Declarations = append(p.Declarations, decls...)
	}
	return p, nil
}

func (d *decoder) decodeDeclList() []Declaration {
	fk := FieldKind(d.u8())
	if fk != FieldNodeList {
		panic("ast: expected NodeList field in Program")
	}
	n := d.u32()
	out := make([]Declaration, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, Declaration{Kind: d.decodeDecl()})
	}
	return out
}

func (d *decoder) decodeDecl() Kind {
	h := d.nodeHeader()
	switch h.kind {
	case NodeEntity:
		return d.decodeEntity(h)
	case NodeRule:
		return d.decodeRule(h)
	case NodeFlow:
		return d.decodeFlow(h)
	case NodeConstraint:
		return d.decodeConstraint(h)
	default:
		panic(fmt.Sprintf("ast: unexpected declaration kind %d", h.kind))
	}
}

func (d *decoder) decodeEntity(h nodeHeader) *Entity {
	e := &Entity{Loc: h.loc}
	e.Name = d.expectString()
	fk := FieldKind(d.u8())
	_ = fk
	n := d.u32()
	for i := uint32(0); i < n; i++ {
		ah := d.nodeHeader()
		e.Fields = append(e.Fields, d.expectString())
		_ = ah
	}
	return e
}

func (d *decoder) expectString() string {
	fk := FieldKind(d.u8())
	if fk != FieldStringID {
		panic("ast: expected StringId field")
	}
	return d.str()
}

func (d *decoder) expectInt() int64 {
	fk := FieldKind(d.u8())
	if fk != FieldInt {
		panic("ast: expected Int field")
	}
	return d.i64()
}

func (d *decoder) expectEnum() uint8 {
	fk := FieldKind(d.u8())
	if fk != FieldEnum {
		panic("ast: expected Enum field")
	}
	return d.u8()
}

func (d *decoder) expectNodeRef() nodeHeader {
	fk := FieldKind(d.u8())
	if fk != FieldNodeRef {
		panic("ast: expected NodeRef field")
	}
	return d.nodeHeader()
}

func (d *decoder) decodeRule(h nodeHeader) *Rule {
	r := &Rule{Loc: h.loc}
	r.Name = d.expectString()
	r.Priority = uint32(d.expectInt())
	condHeader := d.expectNodeRef()
	r.Condition = d.decodeConditionBody(condHeader)
	fk := FieldKind(d.u8())
	_ = fk
	n := d.u32()
	for i := uint32(0); i < n; i++ {
		r.Actions = append(r.Actions, d.decodeActionNode())
	}
	return r
}

func (d *decoder) decodeFlow(h nodeHeader) *Flow {
	f := &Flow{Loc: h.loc}
	f.Name = d.expectString()
	fk := FieldKind(d.u8())
	_ = fk
	n := d.u32()
	for i := uint32(0); i < n; i++ {
		f.Steps = append(f.Steps, d.decodeActionNode())
	}
	return f
}

func (d *decoder) decodeConstraint(h nodeHeader) *Constraint {
	c := &Constraint{Loc: h.loc}
	c.Name = d.expectString()
	condHeader := d.expectNodeRef()
	c.Condition = d.decodeConditionBody(condHeader)
	c.Severity = Severity(d.expectEnum())
	return c
}

func (d *decoder) decodeConditionBody(h nodeHeader) Condition {
	switch h.kind {
	case NodeLogicalOp:
		op := LogicalOperator(d.expectEnum())
		lh := d.expectNodeRef()
		left := d.decodeConditionBody(lh)
		rh := d.expectNodeRef()
		right := d.decodeConditionBody(rh)
		return &LogicalOp{Loc: h.loc, Op: op, L: left, R: right}
	case NodeBinaryExpr:
		op := Comparator(d.expectEnum())
		lh := d.expectNodeRef()
		left := d.decodeTermBody(lh)
		rh := d.expectNodeRef()
		right := d.decodeTermBody(rh)
		return &Comparison{Loc: h.loc, Left: left, Op: op, Right: right}
	case NodeCallExpr:
		name := d.expectString()
		fk := FieldKind(d.u8())
		_ = fk
		n := d.u32()
		args := make([]Term, 0, n)
		for i := uint32(0); i < n; i++ {
			th := d.nodeHeader()
			args = append(args, d.decodeTermBody(th))
		}
		return &Predicate{Loc: h.loc, Name: name, Args: args}
	default:
		panic(fmt.Sprintf("ast: unexpected condition kind %d", h.kind))
	}
}

func (d *decoder) decodeTermBody(h nodeHeader) Term {
	switch h.kind {
	case NodeIdentifierExpr:
		return &Identifier{Loc: h.loc, Name: d.expectString()}
	case NodeQualifiedRef:
		ent := d.expectString()
		field := d.expectString()
		return &QualifiedRef{Loc: h.loc, Entity: ent, Field: field}
	case NodeLiteralExpr:
		return &Number{Loc: h.loc, Value: d.expectInt()}
	default:
		panic(fmt.Sprintf("ast: unexpected term kind %d", h.kind))
	}
}

func (d *decoder) decodeActionNode() Action {
	h := d.nodeHeader()
	switch h.kind {
	case NodeCallExpr:
		cond := d.decodeConditionBody(nodeHeader{kind: h.kind, loc: h.loc, fieldCount: h.fieldCount})
		return cond.(*Predicate)
	case NodeAssignAction:
		target := d.expectString()
		vh := d.expectNodeRef()
		value := d.decodeTermBody(vh)
		return &Assignment{Loc: h.loc, Target: target, Value: value}
	case NodeControlIf:
		condH := d.expectNodeRef()
		cond := d.decodeConditionBody(condH)
		then := d.decodeActionList()
		ctrl := &Control{Loc: h.loc, Kind: ControlIf, Cond: cond, Then: then}
		// Cond + Then are always written (2 top-level fields); a third
		// field is present only when Else was non-empty (Open Question b).
		if h.fieldCount == 3 {
			ctrl.Else = d.decodeActionList()
		}
		return ctrl
	case NodeControlLoop:
		condH := d.expectNodeRef()
		cond := d.decodeConditionBody(condH)
		body := d.decodeActionList()
		maxIter := uint32(d.expectInt())
		return &Control{Loc: h.loc, Kind: ControlLoop, Cond: cond, Body: body, MaxIterations: maxIter}
	case NodeControlHalt:
		return &Control{Loc: h.loc, Kind: ControlHalt}
	default:
		panic(fmt.Sprintf("ast: unexpected action kind %d", h.kind))
	}
}

func (d *decoder) decodeActionList() []Action {
	fk := FieldKind(d.u8())
	if fk != FieldNodeList {
		panic("ast: expected NodeList field for action list")
	}
	n := d.u32()
	out := make([]Action, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, d.decodeActionNode())
	}
	return out
}
