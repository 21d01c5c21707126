// Package pow evaluates candidate nonces against a block header's target.
//
// The engine's nonce space is 64 bits wide while a Bitcoin header only has a
// 32-bit nonce field. The low 32 bits of a nonce go into the header nonce and
// bits 32..47 are XORed into the BIP320 general purpose version bits, so a
// nonce below 2^32 leaves the template's version untouched.
package pow

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/pkg/errors"
)

const (
	// VersionRollingMask is the set of version bits available for rolling (BIP320)
	VersionRollingMask uint32 = 0x1fffe000

	// MaxNonce is the largest nonce that maps to a distinct header. Higher
	// nonces alias a lower one.
	MaxNonce uint64 = 1<<48 - 1

	versionRollingShift = 13
	headerSize          = 80
	nonceOffset         = 76
)

// Context evaluates nonces against one prepared header
type Context interface {
	// Evaluate reports whether the header with nonce applied meets the
	// target, along with the header hash.
	Evaluate(nonce uint64) (bool, chainhash.Hash)
	// Target returns the target the hash must not exceed.
	Target() *big.Int
}

// Builder prepares a Context from a block header. It is called once per
// published work item.
type Builder interface {
	Build(header wire.BlockHeader) (Context, error)
}

// RolledVersionBits returns the bits of nonce that are XORed into the header version
func RolledVersionBits(nonce uint64) uint32 {
	return (uint32(nonce>>32) << versionRollingShift) & VersionRollingMask
}

// HeaderWithNonce returns a copy of header with nonce applied
func HeaderWithNonce(header wire.BlockHeader, nonce uint64) wire.BlockHeader {
	header.Nonce = uint32(nonce)
	header.Version = int32(uint32(header.Version) ^ RolledVersionBits(nonce))
	return header
}

// DoubleSHA256 builds contexts for Bitcoin's sha256d proof of work
type DoubleSHA256 struct{}

var _ Builder = DoubleSHA256{}

// Build serializes header once and computes its target from the compact bits
func (DoubleSHA256) Build(header wire.BlockHeader) (Context, error) {
	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "build_pow_context",
			"header target is not positive").
			WithContext("bits", header.Bits)
	}
	if target.BitLen() > 256 {
		return nil, errors.New(errors.ErrorTypeValidation, "build_pow_context",
			"header target overflows 256 bits").
			WithContext("bits", header.Bits)
	}

	var buf bytes.Buffer
	buf.Grow(headerSize)
	if err := header.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "build_pow_context",
			"failed to serialize header")
	}

	ctx := &sha256dContext{
		version:   uint32(header.Version),
		bigTarget: new(big.Int).Set(target),
	}
	copy(ctx.header[:], buf.Bytes())
	target.FillBytes(ctx.target[:])

	return ctx, nil
}

type sha256dContext struct {
	header    [headerSize]byte
	version   uint32
	target    [32]byte
	bigTarget *big.Int
}

func (c *sha256dContext) Evaluate(nonce uint64) (bool, chainhash.Hash) {
	buf := c.header
	binary.LittleEndian.PutUint32(buf[0:4], c.version^RolledVersionBits(nonce))
	binary.LittleEndian.PutUint32(buf[nonceOffset:headerSize], uint32(nonce))

	hash := chainhash.DoubleHashH(buf[:])
	return HashMeetsTarget(&hash, &c.target), hash
}

func (c *sha256dContext) Target() *big.Int {
	return new(big.Int).Set(c.bigTarget)
}

// HashMeetsTarget reports whether hash, read as a little-endian 256-bit
// integer, is at or below the big-endian target.
func HashMeetsTarget(hash *chainhash.Hash, target *[32]byte) bool {
	for i := 0; i < chainhash.HashSize; i++ {
		h := hash[chainhash.HashSize-1-i]
		if h < target[i] {
			return true
		}
		if h > target[i] {
			return false
		}
	}
	return true
}
