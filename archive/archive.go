// Package archive implements the typed encode/decode framework described in
// spec section 4.4: a byte-oriented archive that serializes built-in scalars,
// strings, containers, pairs and tuples with a length-prefixed wire format,
// and dispatches to user types through Serialize/Save/Load when present.
//
// The per-call serialization context (spec section 4.4, "get_context") is
// carried as an opaque value attached at construction time and retrieved
// with the generic Context helper, since Go has no template parameter on
// which to hang it the way the C++ original does.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/mochi-hpc/thallium-go/errs"
)

// jsonFallback is the schema-free encoding archive reaches for when a
// value's kind carries no fixed binary layout of its own: interface
// fields (an `any`-typed RPC argument) and the dynamic value they hold.
// Mirrors aistore's wholesale swap of encoding/json for jsoniter on its
// hot (de)serialization path.
var jsonFallback = jsoniter.ConfigCompatibleWithStandardLibrary

// EngineAccessor is the minimal surface an Engine exposes to archives so
// that custom serializers can check liveness or reach back into the engine
// (spec: "get_engine() -> Engine ... fails with EngineInvalid after
// finalize"). Defined here, not in the engine package, to keep archive a
// leaf dependency the engine package can import without a cycle.
type EngineAccessor interface {
	CheckValid() error
}

// DebugTypeTags toggles the optional top-level type-tag prefix described in
// spec section 4.4 ("in a debug build"). Go has no separate debug/release
// build of the same binary by default, so this is a runtime switch instead
// of a build tag; set it once at process start (e.g. from an env var) to
// mirror a debug build.
var DebugTypeTags = false

// Archive is a single encode-or-decode pass over a byte buffer. The same
// type serves both directions, gated by the mode it was constructed with,
// mirroring how the original's templated serialize(ar) works for both
// saving and loading through one written-once function.
type Archive struct {
	encoding bool
	buf      *bytes.Buffer // encode target
	data     []byte        // decode source
	pos      int
	ctx      any
	engineFn func() (EngineAccessor, error)
}

// Option configures an Archive at construction time.
type Option func(*Archive)

// WithContext attaches the per-call serialization context.
func WithContext(ctx any) Option {
	return func(a *Archive) { a.ctx = ctx }
}

// WithEngineAccessor attaches the weak-reference upgrade function the
// engine installs so Engine() can enforce the EngineInvalid contract.
func WithEngineAccessor(fn func() (EngineAccessor, error)) Option {
	return func(a *Archive) { a.engineFn = fn }
}

// NewEncoder creates an archive that serializes values into an internal
// buffer, retrievable with Bytes() once encoding is complete.
func NewEncoder(opts ...Option) *Archive {
	a := &Archive{encoding: true, buf: &bytes.Buffer{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewDecoder creates an archive that reads values out of data in order.
func NewDecoder(data []byte, opts ...Option) *Archive {
	a := &Archive{encoding: false, data: data}
	for _, o := range opts {
		o(a)
	}
	return a
}

// IsEncoding reports whether this archive serializes (true) or
// deserializes (false).
func (a *Archive) IsEncoding() bool { return a.encoding }

// Context returns the attached per-call serialization context, or nil.
func (a *Archive) Context() any { return a.ctx }

// Engine performs the weak-to-strong upgrade and fails with EngineInvalid
// if the owning engine has since been finalized.
func (a *Archive) Engine() (EngineAccessor, error) {
	if a.engineFn == nil {
		return nil, errs.EngineInvalid("archive.Engine")
	}
	eng, err := a.engineFn()
	if err != nil {
		return nil, err
	}
	if err := eng.CheckValid(); err != nil {
		return nil, err
	}
	return eng, nil
}

// Write copies count bytes from p into the archive. Valid only while
// encoding.
func (a *Archive) Write(p []byte) error {
	if !a.encoding {
		return fmt.Errorf("archive: Write called on a decode archive")
	}
	a.buf.Write(p)
	return nil
}

// Read copies len(p) bytes out of the archive into p. Valid only while
// decoding.
func (a *Archive) Read(p []byte) error {
	if a.encoding {
		return fmt.Errorf("archive: Read called on an encode archive")
	}
	if a.pos+len(p) > len(a.data) {
		return fmt.Errorf("archive: short read: want %d bytes, have %d", len(p), len(a.data)-a.pos)
	}
	copy(p, a.data[a.pos:a.pos+len(p)])
	a.pos += len(p)
	return nil
}

// SavePtr reserves (encode) or borrows (decode) an n-byte window without an
// intermediate copy, advancing the archive's position by n. The caller
// writes (encode) or reads (decode) through the returned slice directly.
// This mirrors save_ptr/restore_ptr in spec section 4.4.
func (a *Archive) SavePtr(n int) ([]byte, error) {
	if a.encoding {
		start := a.buf.Len()
		a.buf.Write(make([]byte, n))
		return a.buf.Bytes()[start : start+n], nil
	}
	if a.pos+n > len(a.data) {
		return nil, fmt.Errorf("archive: SavePtr: short read: want %d bytes, have %d", n, len(a.data)-a.pos)
	}
	window := a.data[a.pos : a.pos+n]
	a.pos += n
	return window, nil
}

// Bytes returns the accumulated wire form of an encode archive.
func (a *Archive) Bytes() []byte {
	if !a.encoding {
		return nil
	}
	return a.buf.Bytes()
}

// Remaining reports how many undecoded bytes are left in a decode archive.
func (a *Archive) Remaining() int {
	if a.encoding {
		return 0
	}
	return len(a.data) - a.pos
}

// Serializer is implemented by types that know how to serialize themselves
// through a single function used for both directions — the archive's
// IsEncoding() tells the implementation which way to go. This is the
// primary extension point referenced by the calibration example in spec
// section 4.4 (a Point mixing its serialization context into the wire
// form).
type Serializer interface {
	Serialize(ar *Archive) error
}

// Saver is implemented by encode-only types.
type Saver interface {
	Save(ar *Archive) error
}

// Loader is implemented by decode-only types (typically paired with Saver).
type Loader interface {
	Load(ar *Archive) error
}

// Encode serializes v into ar. It dispatches to Serialize/Save if v
// implements either, otherwise falls back to the built-in dispatch table
// for scalars, strings, containers, pairs, and structs (reflection-driven,
// since Go has no template mechanism to generate a dispatcher per call
// site the way the original does).
func Encode(ar *Archive, v any) error {
	if s, ok := v.(Serializer); ok {
		return s.Serialize(ar)
	}
	if s, ok := v.(Saver); ok {
		return s.Save(ar)
	}
	return encodeReflect(ar, reflect.ValueOf(v))
}

// Decode deserializes into vp, which must be a non-nil pointer.
func Decode(ar *Archive, vp any) error {
	rv := reflect.ValueOf(vp)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("archive: Decode target must be a non-nil pointer")
	}
	if s, ok := vp.(Serializer); ok {
		return s.Serialize(ar)
	}
	if l, ok := vp.(Loader); ok {
		return l.Load(ar)
	}
	return decodeReflect(ar, rv.Elem())
}

// EncodeTuple serializes each value in declaration order (spec: "tuples
// serialize in declaration order").
func EncodeTuple(ar *Archive, vals ...any) error {
	for i, v := range vals {
		if err := Encode(ar, v); err != nil {
			return fmt.Errorf("archive: tuple element %d: %w", i, err)
		}
	}
	return nil
}

// DecodeTuple deserializes into each pointer in ptrs, in declaration order.
func DecodeTuple(ar *Archive, ptrs ...any) error {
	for i, p := range ptrs {
		if err := Decode(ar, p); err != nil {
			return fmt.Errorf("archive: tuple element %d: %w", i, err)
		}
	}
	return nil
}

// Pair mirrors the original's std::pair serialization: "first, second".
type Pair[A, B any] struct {
	First  A
	Second B
}

func (p *Pair[A, B]) Serialize(ar *Archive) error {
	if ar.IsEncoding() {
		return EncodeTuple(ar, p.First, p.Second)
	}
	return DecodeTuple(ar, &p.First, &p.Second)
}

// EncodeTopLevel writes the optional debug-mode type tag ahead of v, then
// encodes v itself. typeName should be a stable identifier for the type
// (e.g. obtained via reflect.TypeOf(v).String()).
func EncodeTopLevel(ar *Archive, typeName string, v any) error {
	if DebugTypeTags {
		if err := encodeString(ar, typeName); err != nil {
			return err
		}
	}
	return Encode(ar, v)
}

// DecodeTopLevel reads and validates the optional debug-mode type tag, then
// decodes into vp.
func DecodeTopLevel(ar *Archive, typeName string, vp any) error {
	if DebugTypeTags {
		got, err := decodeString(ar)
		if err != nil {
			return err
		}
		if got != typeName {
			return errs.DecodeError("archive.DecodeTopLevel", typeName, got)
		}
	}
	return Decode(ar, vp)
}

var nativeOrder = binary.NativeEndian

func encodeReflect(ar *Archive, rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Bool:
		var b byte
		if rv.Bool() {
			b = 1
		}
		return ar.Write([]byte{b})
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return writeInt(ar, rv.Kind(), rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return writeUint(ar, rv.Kind(), rv.Uint())
	case reflect.Float32:
		buf := make([]byte, 4)
		nativeOrder.PutUint32(buf, math.Float32bits(float32(rv.Float())))
		return ar.Write(buf)
	case reflect.Float64:
		buf := make([]byte, 8)
		nativeOrder.PutUint64(buf, math.Float64bits(rv.Float()))
		return ar.Write(buf)
	case reflect.String:
		return encodeString(ar, rv.String())
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return encodeBytes(ar, rv.Bytes())
		}
		if err := writeUint(ar, reflect.Uint64, uint64(rv.Len())); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := encodeReflect(ar, rv.Index(i)); err != nil {
				return fmt.Errorf("archive: slice element %d: %w", i, err)
			}
		}
		return nil
	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := encodeReflect(ar, rv.Index(i)); err != nil {
				return fmt.Errorf("archive: array element %d: %w", i, err)
			}
		}
		return nil
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		if err := writeUint(ar, reflect.Uint64, uint64(len(keys))); err != nil {
			return err
		}
		for _, k := range keys {
			if err := encodeReflect(ar, k); err != nil {
				return err
			}
			if err := encodeReflect(ar, rv.MapIndex(k)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if rv.IsNil() {
			return ar.Write([]byte{0})
		}
		if err := ar.Write([]byte{1}); err != nil {
			return err
		}
		return encodeReflect(ar, rv.Elem())
	case reflect.Struct:
		return encodeStruct(ar, rv)
	case reflect.Interface:
		return encodeJSONFallback(ar, rv.Interface())
	default:
		return fmt.Errorf("archive: unsupported type %s for built-in encoding", rv.Type())
	}
}

// encodeJSONFallback serializes v (typically the dynamic value behind
// an `any`-typed field, which has no structural layout for encodeReflect
// to walk) through jsoniter and writes it length-prefixed.
func encodeJSONFallback(ar *Archive, v any) error {
	data, err := jsonFallback.Marshal(v)
	if err != nil {
		return fmt.Errorf("archive: json fallback encode: %w", err)
	}
	return encodeBytes(ar, data)
}

func decodeReflect(ar *Archive, rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Bool:
		var buf [1]byte
		if err := ar.Read(buf[:]); err != nil {
			return err
		}
		rv.SetBool(buf[0] != 0)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := readInt(ar, rv.Kind())
		if err != nil {
			return err
		}
		rv.SetInt(v)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := readUint(ar, rv.Kind())
		if err != nil {
			return err
		}
		rv.SetUint(v)
		return nil
	case reflect.Float32:
		buf := make([]byte, 4)
		if err := ar.Read(buf); err != nil {
			return err
		}
		rv.SetFloat(float64(math.Float32frombits(nativeOrder.Uint32(buf))))
		return nil
	case reflect.Float64:
		buf := make([]byte, 8)
		if err := ar.Read(buf); err != nil {
			return err
		}
		rv.SetFloat(math.Float64frombits(nativeOrder.Uint64(buf)))
		return nil
	case reflect.String:
		s, err := decodeString(ar)
		if err != nil {
			return err
		}
		rv.SetString(s)
		return nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b, err := decodeBytes(ar)
			if err != nil {
				return err
			}
			rv.SetBytes(b)
			return nil
		}
		n, err := readUint(ar, reflect.Uint64)
		if err != nil {
			return err
		}
		out := reflect.MakeSlice(rv.Type(), int(n), int(n))
		for i := 0; i < int(n); i++ {
			if err := decodeReflect(ar, out.Index(i)); err != nil {
				return fmt.Errorf("archive: slice element %d: %w", i, err)
			}
		}
		rv.Set(out)
		return nil
	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := decodeReflect(ar, rv.Index(i)); err != nil {
				return fmt.Errorf("archive: array element %d: %w", i, err)
			}
		}
		return nil
	case reflect.Map:
		n, err := readUint(ar, reflect.Uint64)
		if err != nil {
			return err
		}
		out := reflect.MakeMapWithSize(rv.Type(), int(n))
		kt, vt := rv.Type().Key(), rv.Type().Elem()
		for i := 0; i < int(n); i++ {
			kv := reflect.New(kt).Elem()
			if err := decodeReflect(ar, kv); err != nil {
				return err
			}
			vv := reflect.New(vt).Elem()
			if err := decodeReflect(ar, vv); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv)
		}
		rv.Set(out)
		return nil
	case reflect.Ptr:
		var buf [1]byte
		if err := ar.Read(buf[:]); err != nil {
			return err
		}
		if buf[0] == 0 {
			rv.Set(reflect.Zero(rv.Type()))
			return nil
		}
		rv.Set(reflect.New(rv.Type().Elem()))
		return decodeReflect(ar, rv.Elem())
	case reflect.Struct:
		return decodeStruct(ar, rv)
	case reflect.Interface:
		return decodeJSONFallback(ar, rv)
	default:
		return fmt.Errorf("archive: unsupported type %s for built-in decoding", rv.Type())
	}
}

// decodeJSONFallback is the read side of encodeJSONFallback: only valid
// for the empty interface (any), since jsoniter has no way to pick a
// concrete type for a narrower interface without a registered union tag.
func decodeJSONFallback(ar *Archive, rv reflect.Value) error {
	if rv.NumMethod() != 0 {
		return fmt.Errorf("archive: cannot decode into non-empty interface %s", rv.Type())
	}
	data, err := decodeBytes(ar)
	if err != nil {
		return err
	}
	var out any
	if err := jsonFallback.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("archive: json fallback decode: %w", err)
	}
	if out == nil {
		rv.Set(reflect.Zero(rv.Type()))
		return nil
	}
	rv.Set(reflect.ValueOf(out))
	return nil
}

func encodeStruct(ar *Archive, rv reflect.Value) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).PkgPath != "" {
			continue // unexported
		}
		if err := encodeReflect(ar, rv.Field(i)); err != nil {
			return fmt.Errorf("archive: field %s: %w", t.Field(i).Name, err)
		}
	}
	return nil
}

func decodeStruct(ar *Archive, rv reflect.Value) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).PkgPath != "" {
			continue
		}
		if err := decodeReflect(ar, rv.Field(i)); err != nil {
			return fmt.Errorf("archive: field %s: %w", t.Field(i).Name, err)
		}
	}
	return nil
}

func encodeString(ar *Archive, s string) error {
	return encodeBytes(ar, []byte(s))
}

func decodeString(ar *Archive) (string, error) {
	b, err := decodeBytes(ar)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeBytes(ar *Archive, b []byte) error {
	if err := writeUint(ar, reflect.Uint64, uint64(len(b))); err != nil {
		return err
	}
	return ar.Write(b)
}

func decodeBytes(ar *Archive) ([]byte, error) {
	n, err := readUint(ar, reflect.Uint64)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if err := ar.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeInt(ar *Archive, kind reflect.Kind, v int64) error {
	return writeUint(ar, uintKindOf(kind), uint64(v))
}

func readInt(ar *Archive, kind reflect.Kind) (int64, error) {
	v, err := readUint(ar, uintKindOf(kind))
	return int64(v), err
}

func uintKindOf(kind reflect.Kind) reflect.Kind {
	switch kind {
	case reflect.Int8:
		return reflect.Uint8
	case reflect.Int16:
		return reflect.Uint16
	case reflect.Int32:
		return reflect.Uint32
	default:
		return reflect.Uint64
	}
}

func writeUint(ar *Archive, kind reflect.Kind, v uint64) error {
	switch kind {
	case reflect.Uint8:
		return ar.Write([]byte{byte(v)})
	case reflect.Uint16:
		buf := make([]byte, 2)
		nativeOrder.PutUint16(buf, uint16(v))
		return ar.Write(buf)
	case reflect.Uint32:
		buf := make([]byte, 4)
		nativeOrder.PutUint32(buf, uint32(v))
		return ar.Write(buf)
	default:
		buf := make([]byte, 8)
		nativeOrder.PutUint64(buf, v)
		return ar.Write(buf)
	}
}

func readUint(ar *Archive, kind reflect.Kind) (uint64, error) {
	switch kind {
	case reflect.Uint8:
		var buf [1]byte
		if err := ar.Read(buf[:]); err != nil {
			return 0, err
		}
		return uint64(buf[0]), nil
	case reflect.Uint16:
		buf := make([]byte, 2)
		if err := ar.Read(buf); err != nil {
			return 0, err
		}
		return uint64(nativeOrder.Uint16(buf)), nil
	case reflect.Uint32:
		buf := make([]byte, 4)
		if err := ar.Read(buf); err != nil {
			return 0, err
		}
		return uint64(nativeOrder.Uint32(buf)), nil
	default:
		buf := make([]byte, 8)
		if err := ar.Read(buf); err != nil {
			return 0, err
		}
		return nativeOrder.Uint64(buf), nil
	}
}
