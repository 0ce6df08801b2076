package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"ipv4_hunter/internal/dataType"
)

// Magic prefixes every request frame.
const Magic byte = 'N'

const (
	StatusOK                byte = 0
	StatusInvalidArgument   byte = 1
	StatusResourceExhausted byte = 2
	StatusTransportFault    byte = 3
)

// Request is one decoded control frame. For CmdQuery Count is the requested
// number of addresses and Addresses is empty.
//
// Frame: magic(1) cmd(1) count(4, big endian) then, for add and delete,
// count entries of len(1) + len bytes of dotted-decimal text.
type Request struct {
	Cmd       uint8
	Count     uint32
	Addresses []string
}

// Response frame: status(1) count(4) then count length-prefixed entries.
type Response struct {
	Status    byte
	Addresses []string
}

func StatusFor(err error) byte {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return StatusResourceExhausted
	default:
		return StatusTransportFault
	}
}

func ErrorFor(status byte) error {
	switch status {
	case StatusOK:
		return nil
	case StatusInvalidArgument:
		return ErrInvalidArgument
	case StatusResourceExhausted:
		return ErrResourceExhausted
	case StatusTransportFault:
		return ErrTransport
	default:
		return fmt.Errorf("%w: unknown status %d", ErrTransport, status)
	}
}

func transportErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransport, what, err)
}

// ReadRequest reads one request frame. A clean EOF before the first byte is
// returned as io.EOF. Counts are checked against the protocol maxima before
// any entry is read; on ErrInvalidArgument the stream position is undefined.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		if err == io.EOF {
			return Request{}, io.EOF
		}
		return Request{}, transportErr("read header", err)
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return Request{}, transportErr("read header", err)
	}
	if hdr[0] != Magic {
		return Request{}, fmt.Errorf("%w: bad magic 0x%02x", ErrTransport, hdr[0])
	}

	req := Request{Cmd: hdr[1], Count: binary.BigEndian.Uint32(hdr[2:])}
	switch req.Cmd {
	case dataType.CmdAdd, dataType.CmdDel:
		if req.Count == 0 || req.Count > dataType.MaxBatch {
			return req, fmt.Errorf("%w: batch count %d", ErrInvalidArgument, req.Count)
		}
		req.Addresses = make([]string, req.Count)
		var buf [dataType.MaxAddrLen]byte
		for i := range req.Addresses {
			text, err := readEntry(r, buf[:])
			if err != nil {
				return req, err
			}
			req.Addresses[i] = text
		}
	case dataType.CmdQuery:
		if req.Count == 0 {
			return req, fmt.Errorf("%w: query count 0", ErrInvalidArgument)
		}
		if req.Count > dataType.MaxQuery {
			req.Count = dataType.MaxQuery
		}
	case dataType.CmdClear:
		req.Count = 0
	default:
		return req, fmt.Errorf("%w: unknown command %d", ErrInvalidArgument, req.Cmd)
	}
	return req, nil
}

func readEntry(r io.Reader, buf []byte) (string, error) {
	var l [1]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", transportErr("read entry length", err)
	}
	n := int(l[0])
	if n == 0 {
		return "", fmt.Errorf("%w: empty entry", ErrTransport)
	}
	if n > len(buf) {
		return "", fmt.Errorf("%w: entry of %d bytes exceeds %d", ErrTransport, n, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return "", transportErr("read entry", err)
	}
	return string(buf[:n]), nil
}

func appendEntry(dst []byte, text string) ([]byte, error) {
	if text == "" {
		return dst, fmt.Errorf("%w: empty entry", ErrInvalidArgument)
	}
	if len(text) > dataType.MaxAddrLen {
		return dst, fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidArgument, text, dataType.MaxAddrLen)
	}
	dst = append(dst, byte(len(text)))
	return append(dst, text...), nil
}

// WriteRequest encodes req. The same bounds ReadRequest enforces are checked
// here so a client never sends a frame the server would reject on shape.
func WriteRequest(w io.Writer, req Request) error {
	count := req.Count
	switch req.Cmd {
	case dataType.CmdAdd, dataType.CmdDel:
		if len(req.Addresses) == 0 || len(req.Addresses) > dataType.MaxBatch {
			return fmt.Errorf("%w: batch of %d addresses", ErrInvalidArgument, len(req.Addresses))
		}
		count = uint32(len(req.Addresses))
	case dataType.CmdQuery:
		if count == 0 {
			return fmt.Errorf("%w: query count 0", ErrInvalidArgument)
		}
	case dataType.CmdClear:
		count = 0
	default:
		return fmt.Errorf("%w: unknown command %d", ErrInvalidArgument, req.Cmd)
	}

	buf := make([]byte, 6, 6+len(req.Addresses)*(dataType.MaxAddrLen+1))
	buf[0] = Magic
	buf[1] = req.Cmd
	binary.BigEndian.PutUint32(buf[2:], count)
	for _, text := range req.Addresses {
		var err error
		if buf, err = appendEntry(buf, text); err != nil {
			return err
		}
	}
	if _, err := w.Write(buf); err != nil {
		return transportErr("write request", err)
	}
	return nil
}

func WriteResponse(w io.Writer, resp Response) error {
	if len(resp.Addresses) > dataType.MaxQuery {
		return fmt.Errorf("%w: %d addresses in response", ErrInvalidArgument, len(resp.Addresses))
	}
	buf := make([]byte, 5, 5+len(resp.Addresses)*(dataType.MaxAddrLen+1))
	buf[0] = resp.Status
	binary.BigEndian.PutUint32(buf[1:], uint32(len(resp.Addresses)))
	for _, text := range resp.Addresses {
		var err error
		if buf, err = appendEntry(buf, text); err != nil {
			return err
		}
	}
	if _, err := w.Write(buf); err != nil {
		return transportErr("write response", err)
	}
	return nil
}

func ReadResponse(r io.Reader) (Response, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Response{}, transportErr("read response", err)
	}
	resp := Response{Status: hdr[0]}
	count := binary.BigEndian.Uint32(hdr[1:])
	if count > dataType.MaxQuery {
		return resp, fmt.Errorf("%w: response count %d exceeds %d", ErrTransport, count, dataType.MaxQuery)
	}
	if count == 0 {
		return resp, nil
	}
	resp.Addresses = make([]string, count)
	var buf [dataType.MaxAddrLen]byte
	for i := range resp.Addresses {
		text, err := readEntry(r, buf[:])
		if err != nil {
			return resp, err
		}
		resp.Addresses[i] = text
	}
	return resp, nil
}
