// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture reads and writes CBOR capture files of received frames.
//
// A capture file is a CBOR sequence: one Header followed by any number of
// Record items. Integer map keys keep records compact.
package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/canhacker/pkg/lawicel"
)

// Magic identifies a capture file.
const Magic = "canhacker-capture"

// Version is the current capture format version.
const Version = 1

// ErrNotCapture is returned when a file does not start with a valid header.
var ErrNotCapture = errors.New("not a capture file")

// Header is the first item of a capture file.
type Header struct {
	Magic   string `cbor:"1,keyasint"`
	Version uint   `cbor:"2,keyasint"`
	Created int64  `cbor:"3,keyasint"` // unix nanoseconds
	Source  string `cbor:"4,keyasint,omitempty"`
}

// Record is one captured frame.
type Record struct {
	Time      int64  `cbor:"1,keyasint"` // host receive time, unix nanoseconds
	Channel   uint8  `cbor:"2,keyasint"`
	ID        uint32 `cbor:"3,keyasint"`
	Extended  bool   `cbor:"4,keyasint,omitempty"`
	Data      []byte `cbor:"5,keyasint"`
	Timestamp uint32 `cbor:"6,keyasint"` // adapter timestamp as sent on the wire
}

// FromResponse builds a record from a decoded frame response.
func FromResponse(r *lawicel.Response) (Record, error) {
	if r.Kind != lawicel.ResponseFrame {
		return Record{}, fmt.Errorf("response is %s, not a frame", r.Kind)
	}
	f := r.Packet.Frame
	return Record{
		Time:      r.Time.UnixNano(),
		Channel:   uint8(r.Channel),
		ID:        f.ID,
		Extended:  f.Extended,
		Data:      append([]byte(nil), f.Payload()...),
		Timestamp: r.Packet.Timestamp,
	}, nil
}

// Frame returns the captured frame.
func (r Record) Frame() lawicel.Frame {
	f := lawicel.Frame{ID: r.ID, Extended: r.Extended}
	f.Len = uint8(copy(f.Data[:], r.Data))
	return f
}

// Response converts the record back into a frame response.
func (r Record) Response() lawicel.Response {
	return lawicel.Response{
		Kind:    lawicel.ResponseFrame,
		Channel: lawicel.Channel(r.Channel),
		Packet:  lawicel.Packet{Frame: r.Frame(), Timestamp: r.Timestamp},
		Time:    time.Unix(0, r.Time),
	}
}

// Writer appends records to a capture stream.
type Writer struct {
	enc   *cbor.Encoder
	count int
}

// NewWriter writes the header and returns a writer for records.
func NewWriter(w io.Writer, source string) (*Writer, error) {
	enc := cbor.NewEncoder(w)
	h := Header{Magic: Magic, Version: Version, Created: time.Now().UnixNano(), Source: source}
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.count++
	return nil
}

// WriteResponse appends a frame response. Other responses are ignored.
func (w *Writer) WriteResponse(r *lawicel.Response) error {
	if r.Kind != lawicel.ResponseFrame {
		return nil
	}
	rec, err := FromResponse(r)
	if err != nil {
		return err
	}
	return w.Write(rec)
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	return w.count
}

// Reader iterates over the records of a capture stream.
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and validates the header.
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCapture, err)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrNotCapture, h.Magic)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("unsupported capture version %d", h.Version)
	}
	return &Reader{dec: dec, header: h}, nil
}

// Header returns the file header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

// ReadAll returns every remaining record.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
