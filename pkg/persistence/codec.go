package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/denizumutdereli/kairos/pkg/core"
)

// Binary format constants
const (
	MagicBytes    = "KRS1"
	FormatVersion = 1
	headerSize    = 24
)

// Kind tags which structure a file holds, so a families file renamed to
// coupling.krs is rejected instead of half-decoded.
type Kind uint16

const (
	KindCoupling  Kind = 1
	KindFamilies  Kind = 2
	KindEvolution Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindCoupling:
		return "coupling"
	case KindFamilies:
		return "families"
	case KindEvolution:
		return "evolution"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Header precedes every msgpack body.
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	Kind     Kind
	_        uint16
	DataLen  uint64
	Checksum uint32
}

const (
	FlagCompressed uint16 = 1 << 0
)

// Codec handles encoding/decoding of state files
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a new codec
func NewCodec(compress bool) *Codec {
	return &Codec{
		compress:  compress,
		compLevel: gzip.BestSpeed,
	}
}

// Encode serializes v behind a header.
func (c *Codec) Encode(kind Kind, v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}

	var flags uint16
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		Kind:     kind,
		DataLen:  uint64(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
	}
	copy(header.Magic[:], MagicBytes)

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// Decode verifies the header and checksum and unmarshals into v. Every
// failure wraps core.ErrCorruptState.
func (c *Codec) Decode(raw []byte, kind Kind, v any) error {
	if len(raw) < headerSize {
		return fmt.Errorf("%w: %d bytes is shorter than the header", core.ErrCorruptState, len(raw))
	}

	r := bytes.NewReader(raw)
	var header Header
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: header: %v", core.ErrCorruptState, err)
	}
	if string(header.Magic[:]) != MagicBytes {
		return fmt.Errorf("%w: invalid magic bytes", core.ErrCorruptState)
	}
	if header.Version > FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", core.ErrCorruptState, header.Version)
	}
	if header.Kind != kind {
		return fmt.Errorf("%w: file holds %s, want %s", core.ErrCorruptState, header.Kind, kind)
	}
	if header.DataLen != uint64(r.Len()) {
		return fmt.Errorf("%w: body is %d bytes, header says %d", core.ErrCorruptState, r.Len(), header.DataLen)
	}

	data := make([]byte, header.DataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("%w: body: %v", core.ErrCorruptState, err)
	}
	if crc32.ChecksumIEEE(data) != header.Checksum {
		return fmt.Errorf("%w: checksum mismatch", core.ErrCorruptState)
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := c.decompressData(data)
		if err != nil {
			return fmt.Errorf("%w: gzip: %v", core.ErrCorruptState, err)
		}
		data = decompressed
	}

	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: msgpack: %v", core.ErrCorruptState, err)
	}
	return nil
}

func (c *Codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *Codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
