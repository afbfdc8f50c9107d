package eas

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/roach88/batchanchor/internal/chain"
)

// SchemaDefinition is the EAS schema registered for batch anchors.
const SchemaDefinition = "bytes32 merkleRoot,string batchId,uint256 count,string proofsPointer"

// contractABI covers the attest entry point and the Attested event of the
// EAS contract.
const contractABI = `[
{"type":"function","name":"attest","stateMutability":"payable",
 "inputs":[{"name":"request","type":"tuple","internalType":"struct AttestationRequest","components":[
   {"name":"schema","type":"bytes32","internalType":"bytes32"},
   {"name":"data","type":"tuple","internalType":"struct AttestationRequestData","components":[
     {"name":"recipient","type":"address","internalType":"address"},
     {"name":"expirationTime","type":"uint64","internalType":"uint64"},
     {"name":"revocable","type":"bool","internalType":"bool"},
     {"name":"refUID","type":"bytes32","internalType":"bytes32"},
     {"name":"data","type":"bytes","internalType":"bytes"},
     {"name":"value","type":"uint256","internalType":"uint256"}]}]}],
 "outputs":[{"name":"","type":"bytes32","internalType":"bytes32"}]},
{"type":"event","name":"Attested","anonymous":false,
 "inputs":[
   {"name":"recipient","type":"address","indexed":true,"internalType":"address"},
   {"name":"attester","type":"address","indexed":true,"internalType":"address"},
   {"name":"uid","type":"bytes32","indexed":false,"internalType":"bytes32"},
   {"name":"schemaUID","type":"bytes32","indexed":true,"internalType":"bytes32"}]}
]`

// AttestationRequestData mirrors the EAS struct of the same name.
type AttestationRequestData struct {
	Recipient      common.Address
	ExpirationTime uint64
	Revocable      bool
	RefUID         [32]byte
	Data           []byte
	Value          *big.Int
}

// AttestationRequest mirrors the EAS struct of the same name.
type AttestationRequest struct {
	Schema [32]byte
	Data   AttestationRequestData
}

var (
	parsedABI     abi.ABI
	payloadSchema abi.Arguments
)

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic(fmt.Sprintf("eas: parse contract abi: %v", err))
	}
	payloadSchema, err = schemaArguments(SchemaDefinition)
	if err != nil {
		panic(fmt.Sprintf("eas: parse schema: %v", err))
	}
}

// schemaArguments turns "type name,type name" into ABI arguments.
func schemaArguments(def string) (abi.Arguments, error) {
	var args abi.Arguments
	for _, field := range strings.Split(def, ",") {
		parts := strings.Fields(field)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad schema field %q", field)
		}
		t, err := abi.NewType(parts[0], "", nil)
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", field, err)
		}
		args = append(args, abi.Argument{Name: parts[1], Type: t})
	}
	return args, nil
}

// EncodePayload ABI-encodes a summary with SchemaDefinition.
func EncodePayload(s chain.Summary) ([]byte, error) {
	return payloadSchema.Pack(
		[32]byte(s.MerkleRoot),
		s.BatchID,
		new(big.Int).SetUint64(s.Count),
		s.ProofsPointer,
	)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(data []byte) (chain.Summary, error) {
	vals, err := payloadSchema.Unpack(data)
	if err != nil {
		return chain.Summary{}, fmt.Errorf("decode payload: %w", err)
	}
	if len(vals) != 4 {
		return chain.Summary{}, fmt.Errorf("decode payload: got %d values", len(vals))
	}
	root, ok1 := vals[0].([32]byte)
	batchID, ok2 := vals[1].(string)
	count, ok3 := vals[2].(*big.Int)
	pointer, ok4 := vals[3].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 || !count.IsUint64() {
		return chain.Summary{}, fmt.Errorf("decode payload: unexpected value types")
	}
	return chain.Summary{
		MerkleRoot:    common.Hash(root),
		BatchID:       batchID,
		Count:         count.Uint64(),
		ProofsPointer: pointer,
	}, nil
}

// AttestationUID returns the uid of the first Attested event emitted by
// contract in the receipt logs.
func AttestationUID(logs []*types.Log, contract common.Address) (string, bool) {
	event := parsedABI.Events["Attested"]
	for _, lg := range logs {
		if lg == nil || lg.Address != contract || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		vals, err := parsedABI.Unpack("Attested", lg.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		uid, ok := vals[0].([32]byte)
		if !ok {
			continue
		}
		return common.Hash(uid).Hex(), true
	}
	return "", false
}
