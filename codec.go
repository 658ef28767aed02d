package arbtrie

import "encoding/binary"

// Little-endian primitive encode/decode helpers shared by the node
// encoders and the file headers.

func putU16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func getU16(src []byte) uint16    { return binary.LittleEndian.Uint16(src) }

func putU32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func getU32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }

func putU64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func getU64(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }
