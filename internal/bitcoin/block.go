package bitcoin

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/pkg/errors"
)

// CoinbaseFlags is pushed into every coinbase script after the height and extra nonce
const CoinbaseFlags = "/gominer/"

// witnessReservedValue is the coinbase witness required by BIP141 when a
// witness commitment is present.
var witnessReservedValue = make([]byte, 32)

var (
	// bufferPool provides reusable byte buffers for block serialization.
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4096))
		},
	}

	// hashSlicePool provides reusable slices for merkle tree levels.
	hashSlicePool = sync.Pool{
		New: func() any {
			s := make([]chainhash.Hash, 0, 256)
			return &s
		},
	}
)

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// Don't keep huge buffers around after serializing a full block.
	if buf.Cap() <= 4<<20 {
		bufferPool.Put(buf)
	}
}

func getHashSlice() *[]chainhash.Hash {
	s := hashSlicePool.Get().(*[]chainhash.Hash)
	*s = (*s)[:0]
	return s
}

func putHashSlice(s *[]chainhash.Hash) {
	if cap(*s) <= 16384 {
		hashSlicePool.Put(s)
	}
}

// NewBlockFromTemplate converts a getblocktemplate result into a block
// paying the full coinbase value to payTo.
//
// The coinbase script carries the BIP34 height, extraNonce and CoinbaseFlags.
// When the template provides a default witness commitment it is added as a
// zero-value output and the coinbase gets the reserved witness value.
//
// Parameters:
//   - template: The node's block template
//   - payTo: Address receiving the coinbase reward
//   - extraNonce: Value mixed into the coinbase so every fetched template
//     yields a distinct merkle root
//
// Returns:
//   - *btcutil.Block: The structured block, nonce zero
//   - *RawBlock: The same block in submission form, carrying template fields
//   - error: ErrorTypeTemplate when the template is malformed
func NewBlockFromTemplate(template *btcjson.GetBlockTemplateResult, payTo btcutil.Address, extraNonce uint64) (*btcutil.Block, *RawBlock, error) {
	if template == nil {
		return nil, nil, errors.New(errors.ErrorTypeTemplate, "build_block", "template is nil")
	}
	if template.CoinbaseValue == nil {
		return nil, nil, errors.New(errors.ErrorTypeTemplate, "build_block",
			"template has no coinbasevalue").
			WithContext("height", template.Height)
	}

	prevHash, err := chainhash.NewHashFromStr(template.PreviousHash)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_block",
			"invalid previous block hash").
			WithContext("previousblockhash", template.PreviousHash)
	}

	bits, err := ParseCompactBits(template.Bits)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_block",
			"invalid bits").
			WithContext("bits", template.Bits)
	}

	var commitment []byte
	if template.DefaultWitnessCommitment != "" {
		commitment, err = hex.DecodeString(template.DefaultWitnessCommitment)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_block",
				"invalid default witness commitment")
		}
	}

	coinbase, err := CreateCoinbaseTransaction(template.Height, *template.CoinbaseValue, extraNonce, payTo, commitment)
	if err != nil {
		return nil, nil, err
	}

	transactions := make([]*wire.MsgTx, 0, len(template.Transactions)+1)
	transactions = append(transactions, coinbase)
	for i, tx := range template.Transactions {
		msgTx, err := decodeTransaction(tx.Data)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_block",
				"invalid template transaction").
				WithContext("index", i).
				WithContext("hash", tx.Hash)
		}
		transactions = append(transactions, msgTx)
	}

	hashes := make([]chainhash.Hash, len(transactions))
	for i, tx := range transactions {
		hashes[i] = tx.TxHash()
	}

	raw := &RawBlock{
		Header: wire.BlockHeader{
			Version:    template.Version,
			PrevBlock:  *prevHash,
			MerkleRoot: CalculateMerkleRoot(hashes),
			Timestamp:  time.Unix(template.CurTime, 0),
			Bits:       bits,
		},
		Transactions: transactions,
		Height:       template.Height,
		WorkID:       template.WorkID,
		LongPollID:   template.LongPollID,
		Target:       template.Target,
	}

	block := btcutil.NewBlock(raw.MsgBlock())
	block.SetHeight(int32(template.Height))

	return block, raw, nil
}

// CreateCoinbaseTransaction builds the coinbase for a block at height paying
// value to payTo. A non-empty witnessCommitment is added as a second,
// zero-value output.
func CreateCoinbaseTransaction(height, value int64, extraNonce uint64, payTo btcutil.Address, witnessCommitment []byte) (*wire.MsgTx, error) {
	if payTo == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "create_coinbase", "payout address is nil")
	}

	script, err := txscript.NewScriptBuilder().
		AddInt64(height).
		AddInt64(int64(extraNonce)).
		AddData([]byte(CoinbaseFlags)).
		Script()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "create_coinbase",
			"failed to build coinbase script").
			WithContext("height", height)
	}

	pkScript, err := txscript.PayToAddrScript(payTo)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "create_coinbase",
			"failed to build payout script").
			WithContext("address", payTo.EncodeAddress())
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  script,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	if len(witnessCommitment) > 0 {
		tx.TxIn[0].Witness = wire.TxWitness{witnessReservedValue}
		tx.AddTxOut(wire.NewTxOut(0, witnessCommitment))
	}

	return tx, nil
}

// CalculateMerkleRoot calculates the Bitcoin merkle root from a list of
// transaction hashes. For odd levels the last hash is duplicated.
func CalculateMerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	switch len(txHashes) {
	case 0:
		return chainhash.Hash{}
	case 1:
		return txHashes[0]
	}

	current := getHashSlice()
	defer putHashSlice(current)
	*current = append(*current, txHashes...)

	next := getHashSlice()
	defer putHashSlice(next)

	var concat [chainhash.HashSize * 2]byte
	for len(*current) > 1 {
		*next = (*next)[:0]
		level := *current
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(concat[:chainhash.HashSize], left[:])
			copy(concat[chainhash.HashSize:], right[:])
			*next = append(*next, chainhash.DoubleHashH(concat[:]))
		}
		*current, *next = *next, *current
	}

	return (*current)[0]
}

// ParseCompactBits parses the template's big-endian hex encoding of nBits
func ParseCompactBits(bits string) (uint32, error) {
	v, err := strconv.ParseUint(bits, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func decodeTransaction(data string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
