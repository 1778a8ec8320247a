package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func keyedDesc(addr uint64, length uint32, key uint32, subtype SGLSubType) *SGLDesc {
	d := NewKeyedSGLDesc(addr, length, key, subtype)
	return &d
}

func offsetDesc(offset uint32, length uint32) *SGLDesc {
	d := NewOffsetSGLDesc(offset, length)
	return &d
}

const (
	testMaxIOSize     = 131072
	testInCapsuleSize = 4096
)

func TestParseSGL_KeyedWithinMaxIOSize(t *testing.T) {
	d := keyedDesc(0xdead, testMaxIOSize, 0x1234, SGLSubTypeAddress)
	parsed, err := ParseSGL(d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseOK, err)
	assert.True(t, parsed.NeedsRDMA)
	assert.Equal(t, uint32(testMaxIOSize), parsed.Length)
	assert.Equal(t, uint64(0xdead), parsed.RemoteAddr)
	assert.Equal(t, uint32(0x1234), parsed.RKey)
}

func TestParseSGL_KeyedExceedsMaxIOSize(t *testing.T) {
	d := keyedDesc(0xdead, testMaxIOSize+1, 0x1234, SGLSubTypeAddress)
	_, err := ParseSGL(d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseErrDataSGLLengthInvalid, err)
}

func TestParseSGL_KeyedZeroLengthDowngradesToNone(t *testing.T) {
	d := keyedDesc(0xdead, 0, 0x1234, SGLSubTypeAddress)
	parsed, err := ParseSGL(d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseOK, err)
	assert.Equal(t, TransferNone, parsed.Direction)
	assert.False(t, parsed.NeedsRDMA)
}

func TestParseSGL_KeyedInvalidateKeySameBranchAsAddress(t *testing.T) {
	d := keyedDesc(0xbeef, 512, 0x9999, SGLSubTypeInvalidateKey)
	parsed, err := ParseSGL(d, TransferCtrlToHost, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseOK, err)
	assert.True(t, parsed.NeedsRDMA)
	assert.True(t, parsed.InCapsule) // 512 <= in-capsule size
}

func TestParseSGL_KeyedSmallLengthStillNeedsRDMA(t *testing.T) {
	// Even when the landing buffer is the in-capsule slot, keyed SGLs
	// always require an RDMA Read/Write (scenario 1 of spec.md).
	d := keyedDesc(0xbeef, 512, 0x9999, SGLSubTypeAddress)
	parsed, err := ParseSGL(d, TransferCtrlToHost, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseOK, err)
	assert.True(t, parsed.NeedsRDMA)
	assert.True(t, parsed.InCapsule)
}

func TestParseSGL_OffsetInCapsuleBoundary(t *testing.T) {
	d := offsetDesc(testInCapsuleSize-1, 1)
	parsed, err := ParseSGL(d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseOK, err)
	assert.False(t, parsed.NeedsRDMA)
	assert.True(t, parsed.InCapsule)
	assert.Equal(t, uint32(testInCapsuleSize-1), parsed.Offset)
}

func TestParseSGL_OffsetEqualToInCapsuleSizeRejected(t *testing.T) {
	// offset == in-capsule size passes the offset check (offset > size)
	// but leaves no room for the 1-byte length.
	d := offsetDesc(testInCapsuleSize, 1)
	_, err := ParseSGL(d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseErrDataSGLLengthInvalid, err)
}

func TestParseSGL_OffsetPlusLengthExceedsInCapsuleSize(t *testing.T) {
	d := offsetDesc(testInCapsuleSize-1, 2)
	_, err := ParseSGL(d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseErrDataSGLLengthInvalid, err)
}

func TestParseSGL_OffsetZeroLengthDowngradesToNone(t *testing.T) {
	d := offsetDesc(0, 0)
	parsed, err := ParseSGL(d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseOK, err)
	assert.Equal(t, TransferNone, parsed.Direction)
}

func TestParseSGL_UnrecognizedTypeSubtypeInvalid(t *testing.T) {
	var d SGLDesc
	d.raw[15] = byte(SGLTypeData)<<4 | byte(SGLSubTypeAddress) // data block w/ keyed subtype: invalid
	_, err := ParseSGL(&d, TransferHostToCtrl, testMaxIOSize, testInCapsuleSize)
	assert.Equal(t, ParseErrSGLDescriptorTypeInvalid, err)
}

func TestCplCapsule_StatusCodePreservesPhaseTag(t *testing.T) {
	var c CplCapsule
	c.Status = 1 // phase tag set, status code 0
	c.SetStatusCode(StatusInvalidSGLOffset)
	assert.Equal(t, StatusInvalidSGLOffset, c.StatusCode())
	assert.Equal(t, uint16(1), c.Status&0x1)
}
