// Package wire implements the fixed 64-byte control envelope shared by the
// daemon, session-server, arbiter, and client runtime, packed and unpacked
// with encoding/binary the way pkg/a2s packs its query envelopes, but
// big-endian and push-framed rather than little-endian and request/reply.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies a message's payload variant.
type Tag uint32

const (
	TagSetSID Tag = iota + 1
	TagGetSID
	TagDelSID
	TagAddPID
	TagSetGID
	TagReqWrt
	TagWrtNow
	TagHitBar
	TagGotData
	TagWrtData
	TagWrtEnd
	TagCntAll
	TagRelBar
	TagExit
	TagPostSem
	TagWaitSem
	TagListSessions
	TagSessionInfo
)

func (t Tag) String() string {
	switch t {
	case TagSetSID:
		return "SET_SID"
	case TagGetSID:
		return "GET_SID"
	case TagDelSID:
		return "DEL_SID"
	case TagAddPID:
		return "ADD_PID"
	case TagSetGID:
		return "SET_GID"
	case TagReqWrt:
		return "REQ_WRT"
	case TagWrtNow:
		return "WRT_NOW"
	case TagHitBar:
		return "HIT_BAR"
	case TagGotData:
		return "GOT_DATA"
	case TagWrtData:
		return "WRT_DATA"
	case TagWrtEnd:
		return "WRT_END"
	case TagCntAll:
		return "CNT_ALL"
	case TagRelBar:
		return "REL_BAR"
	case TagExit:
		return "EXIT"
	case TagPostSem:
		return "POST_SEM"
	case TagWaitSem:
		return "WAIT_SEM"
	case TagListSessions:
		return "LIST_SESSIONS"
	case TagSessionInfo:
		return "SESSION_INFO"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

const (
	// Size is the wire length of every message envelope, excluding the
	// raw bytes tail a WRT_DATA message appends.
	Size = 64

	strFieldSize = 32

	// MaxChunk is the largest number of raw bytes a single WRT_DATA
	// envelope carries; larger writes are split into independent
	// chunks, each a standalone WRT_DATA/apply. Spec requires >= 1KiB.
	MaxChunk = 4096
)

// Message is the tagged union of every payload variant in §6.1. Only the
// fields relevant to Tag are meaningful; callers read fields appropriate to
// the tag they sent or received.
type Message struct {
	Tag Tag

	SIDName string // SET_SID / GET_SID / DEL_SID / POST_SEM / WAIT_SEM
	PortOrN int32  // SET_SID / GET_SID / DEL_SID: port (server) or nproc (request)

	PID int32 // ADD_PID / SET_GID / REQ_WRT / WRT_NOW / HIT_BAR / POST_SEM / WAIT_SEM
	GID int32 // ADD_PID / SET_GID / REQ_WRT / WRT_NOW / HIT_BAR

	Nproc int32 // GOT_DATA

	Offset int64 // WRT_DATA
	Size   int64 // WRT_DATA

	// Data holds the raw payload tail appended after the fixed envelope
	// for WRT_DATA messages. len(Data) == int(Size) on decode.
	Data []byte
}

// Encode packs m into the fixed 64-byte envelope, appending m.Data when
// Tag == TagWrtData.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, Size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Tag))

	body := buf[4:Size]
	switch m.Tag {
	case TagSetSID, TagGetSID, TagDelSID:
		if err := putString(body[0:strFieldSize], m.SIDName); err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(body[strFieldSize:strFieldSize+4], uint32(m.PortOrN))

	case TagAddPID, TagSetGID, TagReqWrt, TagWrtNow, TagHitBar:
		binary.BigEndian.PutUint32(body[0:4], uint32(m.PID))
		binary.BigEndian.PutUint32(body[4:8], uint32(m.GID))

	case TagGotData:
		binary.BigEndian.PutUint32(body[0:4], uint32(m.Nproc))

	case TagWrtData:
		if int64(len(m.Data)) != m.Size {
			return nil, fmt.Errorf("wire: WRT_DATA size %d does not match len(Data) %d", m.Size, len(m.Data))
		}
		if m.Size > MaxChunk {
			return nil, fmt.Errorf("wire: WRT_DATA chunk of %d bytes exceeds MaxChunk %d", m.Size, MaxChunk)
		}
		binary.BigEndian.PutUint64(body[0:8], uint64(m.Offset))
		binary.BigEndian.PutUint64(body[8:16], uint64(m.Size))
		return append(buf, m.Data...), nil

	case TagWrtEnd, TagCntAll, TagRelBar, TagExit, TagListSessions:
		// No payload.

	case TagPostSem, TagWaitSem:
		if err := putString(body[0:strFieldSize], m.SIDName); err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(body[strFieldSize:strFieldSize+4], uint32(m.PID))

	case TagSessionInfo:
		if err := putString(body[0:strFieldSize], m.SIDName); err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(body[strFieldSize:strFieldSize+4], uint32(m.PortOrN))
		binary.BigEndian.PutUint32(body[strFieldSize+4:strFieldSize+8], uint32(m.Nproc))

	default:
		return nil, fmt.Errorf("wire: unknown tag %d", m.Tag)
	}

	return buf, nil
}

// ReadMessage reads one full message (envelope plus WRT_DATA tail, if any)
// from r.
func ReadMessage(r io.Reader) (Message, error) {
	hdr := make([]byte, Size)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Message{}, err
	}

	tag := Tag(binary.BigEndian.Uint32(hdr[0:4]))
	body := hdr[4:Size]

	var m Message
	m.Tag = tag

	switch tag {
	case TagSetSID, TagGetSID, TagDelSID:
		m.SIDName = getString(body[0:strFieldSize])
		m.PortOrN = int32(binary.BigEndian.Uint32(body[strFieldSize : strFieldSize+4]))

	case TagAddPID, TagSetGID, TagReqWrt, TagWrtNow, TagHitBar:
		m.PID = int32(binary.BigEndian.Uint32(body[0:4]))
		m.GID = int32(binary.BigEndian.Uint32(body[4:8]))

	case TagGotData:
		m.Nproc = int32(binary.BigEndian.Uint32(body[0:4]))

	case TagWrtData:
		m.Offset = int64(binary.BigEndian.Uint64(body[0:8]))
		m.Size = int64(binary.BigEndian.Uint64(body[8:16]))
		if m.Size < 0 || m.Size > MaxChunk {
			return Message{}, fmt.Errorf("wire: WRT_DATA size %d out of range", m.Size)
		}
		m.Data = make([]byte, m.Size)
		if _, err := io.ReadFull(r, m.Data); err != nil {
			return Message{}, err
		}

	case TagWrtEnd, TagCntAll, TagRelBar, TagExit, TagListSessions:
		// No payload.

	case TagPostSem, TagWaitSem:
		m.SIDName = getString(body[0:strFieldSize])
		m.PID = int32(binary.BigEndian.Uint32(body[strFieldSize:strFieldSize+4]))

	case TagSessionInfo:
		m.SIDName = getString(body[0:strFieldSize])
		m.PortOrN = int32(binary.BigEndian.Uint32(body[strFieldSize : strFieldSize+4]))
		m.Nproc = int32(binary.BigEndian.Uint32(body[strFieldSize+4 : strFieldSize+8]))

	default:
		return Message{}, fmt.Errorf("wire: unknown tag %d", tag)
	}

	return m, nil
}

// WriteMessage encodes m and writes it to w in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func putString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("wire: string %q exceeds %d bytes", s, len(dst))
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

func getString(src []byte) string {
	n := bytes.IndexByte(src, 0)
	if n < 0 {
		n = len(src)
	}
	return string(src[:n])
}

// Chunks splits data into WRT_DATA messages no larger than MaxChunk,
// each addressed at its own offset within the region, per §6.1's chunking
// rule for oversized writes.
func Chunks(offset int64, data []byte) []Message {
	if len(data) == 0 {
		return []Message{{Tag: TagWrtData, Offset: offset, Size: 0, Data: []byte{}}}
	}
	var msgs []Message
	for sent := 0; sent < len(data); sent += MaxChunk {
		end := sent + MaxChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]
		msgs = append(msgs, Message{
			Tag:    TagWrtData,
			Offset: offset + int64(sent),
			Size:   int64(len(chunk)),
			Data:   chunk,
		})
	}
	return msgs
}
