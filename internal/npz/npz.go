// Package npz reads and writes NumPy .npz array containers: a zip archive
// with one .npy (format 1.0) entry per named array. Python consumers load
// the export with numpy.load.
package npz

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/banshee-data/avsg/internal/fsutil"
	"github.com/banshee-data/avsg/internal/tensor"
)

// Extension is appended to every array name inside the archive.
const Extension = ".npy"

var magic = []byte("\x93NUMPY")

// headerAlign is the alignment NumPy uses for the data section.
const headerAlign = 64

var (
	// ErrDuplicate is returned when an array name is added twice.
	ErrDuplicate = errors.New("duplicate array name")
	// ErrFormat is returned for malformed .npy entries.
	ErrFormat = errors.New("malformed npy entry")
)

var descrs = map[tensor.DType]string{
	tensor.Float32: "<f4",
	tensor.Int32:   "<i4",
	tensor.Bool:    "|b1",
}

// Writer streams arrays into an npz archive.
type Writer struct {
	zw    *zip.Writer
	names map[string]bool
}

// NewWriter returns a Writer on w. Close must be called to finish the archive.
func NewWriter(w io.Writer) *Writer {
	return &Writer{zw: zip.NewWriter(w), names: make(map[string]bool)}
}

// Add writes a as the entry name.npy.
func (w *Writer) Add(name string, a *tensor.Array) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid array name %q", name)
	}
	if w.names[name] {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	hdr, err := Header(a.DType(), a.Shape())
	if err != nil {
		return fmt.Errorf("array %s: %w", name, err)
	}

	f, err := w.zw.CreateHeader(&zip.FileHeader{Name: name + Extension, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := f.Write(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	bw := bufio.NewWriter(f)
	if _, err := a.WriteTo(bw); err != nil {
		return fmt.Errorf("write data %s: %w", name, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write data %s: %w", name, err)
	}
	w.names[name] = true
	return nil
}

// Close finishes the archive. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.zw.Close()
}

// WriteFile creates (or truncates) path and writes every array into it in
// name order.
func WriteFile(fsys fsutil.FileSystem, path string, arrays map[string]*tensor.Array) (err error) {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	w := NewWriter(f)
	for _, name := range sortedNames(arrays) {
		if err := w.Add(name, arrays[name]); err != nil {
			return err
		}
	}
	return w.Close()
}

func sortedNames(arrays map[string]*tensor.Array) []string {
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Header returns the .npy v1.0 header for an array of the given type and
// shape, padded so the data starts on a 64-byte boundary.
func Header(dtype tensor.DType, shape []int) ([]byte, error) {
	descr, ok := descrs[dtype]
	if !ok {
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple(shape))

	prefix := len(magic) + 2 + 2
	total := prefix + len(dict) + 1
	dict += strings.Repeat(" ", (headerAlign-total%headerAlign)%headerAlign) + "\n"
	if len(dict) > 0xffff {
		return nil, fmt.Errorf("header too long for npy 1.0: %d bytes", len(dict))
	}

	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(dict)))
	buf.WriteString(dict)
	return buf.Bytes(), nil
}

func shapeTuple(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// ReadNPY decodes a single .npy stream of size bytes. Headers whose shape
// needs more data than the stream holds are rejected before any allocation.
func ReadNPY(r io.Reader, size int64) (*tensor.Array, error) {
	br := bufio.NewReader(r)

	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if !bytes.Equal(pre[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}

	consumed := int64(len(pre))
	var hlen int64
	switch major := pre[len(magic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		hlen = int64(n)
		consumed += 2
	case 2, 3:
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		hlen = int64(n)
		consumed += 4
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, major)
	}
	if hlen > size-consumed {
		return nil, fmt.Errorf("%w: header of %d bytes exceeds entry size %d", ErrFormat, hlen, size)
	}
	consumed += hlen

	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	dtype, shape, err := parseHeader(string(hdr))
	if err != nil {
		return nil, err
	}
	nbytes, err := dataSize(dtype, shape)
	if err != nil {
		return nil, err
	}
	if nbytes > size-consumed {
		return nil, fmt.Errorf("%w: shape %v needs %d data bytes, entry has %d", ErrFormat, shape, nbytes, size-consumed)
	}
	return tensor.Read(br, dtype, shape)
}

// dataSize returns the byte length of the data section for dtype and shape.
func dataSize(dtype tensor.DType, shape []int) (int64, error) {
	n := uint64(dtype.Size())
	for _, d := range shape {
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > math.MaxInt64 {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrFormat, shape)
		}
		n = lo
	}
	return int64(n), nil
}

func parseHeader(h string) (tensor.DType, []int, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return "", nil, fmt.Errorf("%w: missing descr", ErrFormat)
	}
	var dtype tensor.DType
	for dt, d := range descrs {
		if d == m[1] {
			dtype = dt
		}
	}
	if dtype == "" {
		return "", nil, fmt.Errorf("%w: unsupported descr %q", ErrFormat, m[1])
	}

	if f := fortranRe.FindStringSubmatch(h); f == nil || f[1] != "False" {
		return "", nil, fmt.Errorf("%w: only C-order arrays are supported", ErrFormat)
	}

	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return "", nil, fmt.Errorf("%w: missing shape", ErrFormat)
	}
	var shape []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return "", nil, fmt.Errorf("%w: bad dimension %q", ErrFormat, part)
		}
		shape = append(shape, d)
	}
	return dtype, shape, nil
}

// ReadAll reads the npz archive at path and decodes every .npy entry, keyed
// by array name.
func ReadAll(fsys fsutil.FileSystem, path string) (map[string]*tensor.Array, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	arrays := make(map[string]*tensor.Array, len(zr.File))
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, Extension) {
			continue
		}
		if f.UncompressedSize64 >= math.MaxInt64 {
			return nil, fmt.Errorf("entry %s: %w: size %d", f.Name, ErrFormat, f.UncompressedSize64)
		}
		name := strings.TrimSuffix(f.Name, Extension)
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		// Buffer the entry so allocations follow the bytes actually present,
		// not the sizes the archive declares.
		raw, err := io.ReadAll(io.LimitReader(rc, int64(f.UncompressedSize64)+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		a, err := ReadNPY(bytes.NewReader(raw), int64(len(raw)))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", f.Name, err)
		}
		arrays[name] = a
	}
	return arrays, nil
}
