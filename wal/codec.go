package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/bucketgo/model"
)

// encodeEntry writes an entry in binary format.
// Format: [Op:1][SeqNum:8][Bucket:9][Aux1:9][Aux2:9][Flags:1]
// [SpaceLen:2][Space][Timestamp:8][IDLen:4][ID][PayloadLen:4][Payload]
// Bucket encoding: [UsedBits:1][Bits:8].
func encodeEntry(w io.Writer, e *Entry) error {
	var fixed [37]byte
	fixed[0] = byte(e.Op)
	binary.LittleEndian.PutUint64(fixed[1:9], e.SeqNum)
	putBucketID(fixed[9:18], e.Bucket)
	putBucketID(fixed[18:27], e.Aux1)
	putBucketID(fixed[27:36], e.Aux2)
	if e.Active {
		fixed[36] = 1
	}
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}

	space := []byte(e.Space)
	if len(space) > 0xffff {
		return fmt.Errorf("bucket space name too long: %d", len(space))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(space))); err != nil {
		return err
	}
	if _, err := w.Write(space); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(e.Timestamp)); err != nil {
		return err
	}

	id := []byte(e.DocID)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(id))); err != nil {
		return err
	}
	if _, err := w.Write(id); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Payload))); err != nil {
		return err
	}
	if len(e.Payload) > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntry reads an entry in binary format.
func decodeEntry(r io.Reader, e *Entry) error {
	var fixed [37]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return err
	}
	e.Op = Op(fixed[0])
	e.SeqNum = binary.LittleEndian.Uint64(fixed[1:9])
	e.Bucket = getBucketID(fixed[9:18])
	e.Aux1 = getBucketID(fixed[18:27])
	e.Aux2 = getBucketID(fixed[27:36])
	e.Active = fixed[36] != 0

	var spaceLen uint16
	if err := binary.Read(r, binary.LittleEndian, &spaceLen); err != nil {
		return err
	}
	space := make([]byte, spaceLen)
	if _, err := io.ReadFull(r, space); err != nil {
		return err
	}
	e.Space = model.BucketSpace(space)

	var ts uint64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return err
	}
	e.Timestamp = model.Timestamp(ts)

	var idLen uint32
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return err
	}
	e.DocID = model.DocumentID(id)

	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return err
	}
	if payloadLen > 0 {
		e.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return err
		}
	} else {
		e.Payload = nil
	}
	return nil
}

func putBucketID(buf []byte, id model.BucketID) {
	buf[0] = id.UsedBits
	binary.LittleEndian.PutUint64(buf[1:9], id.Bits)
}

func getBucketID(buf []byte) model.BucketID {
	return model.BucketID{UsedBits: buf[0], Bits: binary.LittleEndian.Uint64(buf[1:9])}
}
