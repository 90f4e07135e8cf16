package ingestion

import (
	"CTFLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ctfEventsABI covers the five ConditionalTokens events the engine consumes.
// PositionsMerge is the on-chain name of the merge event; PositionMerge is
// accepted as well for producers that emit the shortened name.
const ctfEventsABI = `[
  {"anonymous":false,"name":"ConditionPreparation","type":"event","inputs":[
    {"indexed":true,"name":"conditionId","type":"bytes32"},
    {"indexed":true,"name":"oracle","type":"address"},
    {"indexed":true,"name":"questionId","type":"bytes32"},
    {"indexed":false,"name":"outcomeSlotCount","type":"uint256"}]},
  {"anonymous":false,"name":"ConditionResolution","type":"event","inputs":[
    {"indexed":true,"name":"conditionId","type":"bytes32"},
    {"indexed":true,"name":"oracle","type":"address"},
    {"indexed":true,"name":"questionId","type":"bytes32"},
    {"indexed":false,"name":"outcomeSlotCount","type":"uint256"},
    {"indexed":false,"name":"payoutNumerators","type":"uint256[]"}]},
  {"anonymous":false,"name":"PositionSplit","type":"event","inputs":[
    {"indexed":true,"name":"stakeholder","type":"address"},
    {"indexed":false,"name":"collateralToken","type":"address"},
    {"indexed":true,"name":"parentCollectionId","type":"bytes32"},
    {"indexed":true,"name":"conditionId","type":"bytes32"},
    {"indexed":false,"name":"partition","type":"uint256[]"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"anonymous":false,"name":"PositionsMerge","type":"event","inputs":[
    {"indexed":true,"name":"stakeholder","type":"address"},
    {"indexed":false,"name":"collateralToken","type":"address"},
    {"indexed":true,"name":"parentCollectionId","type":"bytes32"},
    {"indexed":true,"name":"conditionId","type":"bytes32"},
    {"indexed":false,"name":"partition","type":"uint256[]"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"anonymous":false,"name":"PositionMerge","type":"event","inputs":[
    {"indexed":true,"name":"stakeholder","type":"address"},
    {"indexed":false,"name":"collateralToken","type":"address"},
    {"indexed":true,"name":"parentCollectionId","type":"bytes32"},
    {"indexed":true,"name":"conditionId","type":"bytes32"},
    {"indexed":false,"name":"partition","type":"uint256[]"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"anonymous":false,"name":"PayoutRedemption","type":"event","inputs":[
    {"indexed":true,"name":"redeemer","type":"address"},
    {"indexed":false,"name":"collateralToken","type":"address"},
    {"indexed":true,"name":"parentCollectionId","type":"bytes32"},
    {"indexed":false,"name":"conditionId","type":"bytes32"},
    {"indexed":false,"name":"indexSets","type":"uint256[]"},
    {"indexed":false,"name":"payout","type":"uint256"}]}
]`

var (
	// ErrRemovedLog is returned for logs flagged removed by the node. Reorgs
	// are handled through ctf.control.reorg instead.
	ErrRemovedLog = errors.New("ingestion: log was removed by a reorg")

	// ErrUnknownTopic is returned for logs of events outside the CTF ABI.
	ErrUnknownTopic = errors.New("ingestion: unknown log topic")
)

// ChainLogMessage is the payload on ctf.logs.<chain>.
type ChainLogMessage struct {
	Log            json.RawMessage `json:"log"`
	BlockTimestamp int64           `json:"block_timestamp"`
}

// ChainLogDecoder turns raw EVM logs emitted by the ConditionalTokens
// contract into typed events.
type ChainLogDecoder struct {
	abi      abi.ABI
	contract common.Address // zero accepts any emitter
	byTopic  map[common.Hash]abi.Event
}

// NewChainLogDecoder parses the CTF ABI. When contract is non-empty, logs
// emitted by any other address are rejected.
func NewChainLogDecoder(contract string) (*ChainLogDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(ctfEventsABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}

	d := &ChainLogDecoder{
		abi:     parsed,
		byTopic: make(map[common.Hash]abi.Event, len(parsed.Events)),
	}
	for _, ev := range parsed.Events {
		d.byTopic[ev.ID] = ev
	}

	if contract != "" {
		if !common.IsHexAddress(contract) {
			return nil, fmt.Errorf("invalid contract address %q", contract)
		}
		d.contract = common.HexToAddress(contract)
	}
	return d, nil
}

// Topic returns the signature hash of a CTF event by ABI name.
func (d *ChainLogDecoder) Topic(name string) (common.Hash, bool) {
	ev, ok := d.abi.Events[name]
	return ev.ID, ok
}

// Event returns the ABI definition of a CTF event by name.
func (d *ChainLogDecoder) Event(name string) (abi.Event, bool) {
	ev, ok := d.abi.Events[name]
	return ev, ok
}

// DecodeMessage parses a ChainLogMessage.
func (d *ChainLogDecoder) DecodeMessage(data []byte) (event.Event, error) {
	var msg ChainLogMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse chain log message: %w", err)
	}
	if len(msg.Log) == 0 {
		return nil, fmt.Errorf("chain log message has no log")
	}

	var l types.Log
	if err := json.Unmarshal(msg.Log, &l); err != nil {
		return nil, fmt.Errorf("parse eth log: %w", err)
	}
	return d.Decode(&l, time.Unix(msg.BlockTimestamp, 0).UTC())
}

// Decode converts one EVM log. blockTime is the timestamp of the block the
// log was mined in.
func (d *ChainLogDecoder) Decode(l *types.Log, blockTime time.Time) (event.Event, error) {
	if l.Removed {
		return nil, fmt.Errorf("%w: %s:%d", ErrRemovedLog, l.TxHash.Hex(), l.Index)
	}
	if d.contract != (common.Address{}) && l.Address != d.contract {
		return nil, fmt.Errorf("log from %s, want %s", l.Address.Hex(), d.contract.Hex())
	}
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("%w: anonymous log", ErrUnknownTopic)
	}

	ev, ok := d.byTopic[l.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, l.Topics[0].Hex())
	}

	values := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := d.abi.UnpackIntoMap(values, ev.Name, l.Data); err != nil {
			return nil, fmt.Errorf("unpack %s data: %w", ev.Name, err)
		}
	}

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%s: got %d topics, want %d", ev.Name, len(l.Topics)-1, len(indexed))
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	header := event.Log{
		TxHash:      l.TxHash.Hex(),
		LogIndex:    uint32(l.Index),
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash.Hex(),
		Timestamp:   blockTime,
	}
	f := fields{values: values, event: ev.Name}

	var evt event.Event
	switch ev.Name {
	case "ConditionPreparation":
		evt = &event.ConditionPreparation{
			Log:              header,
			ConditionID:      f.hash("conditionId"),
			Oracle:           f.address("oracle"),
			QuestionID:       f.hash("questionId"),
			OutcomeSlotCount: f.count("outcomeSlotCount"),
		}
	case "ConditionResolution":
		evt = &event.ConditionResolution{
			Log:              header,
			ConditionID:      f.hash("conditionId"),
			Oracle:           f.address("oracle"),
			QuestionID:       f.hash("questionId"),
			OutcomeSlotCount: f.count("outcomeSlotCount"),
			PayoutNumerators: f.bigInts("payoutNumerators"),
		}
	case "PositionSplit":
		evt = &event.PositionSplit{
			Log:                header,
			Stakeholder:        f.address("stakeholder"),
			CollateralToken:    f.address("collateralToken"),
			ParentCollectionID: f.hash("parentCollectionId"),
			ConditionID:        f.hash("conditionId"),
			Partition:          f.bigInts("partition"),
			Amount:             f.bigInt("amount"),
		}
	case "PositionsMerge", "PositionMerge":
		evt = &event.PositionMerge{
			Log:                header,
			Stakeholder:        f.address("stakeholder"),
			CollateralToken:    f.address("collateralToken"),
			ParentCollectionID: f.hash("parentCollectionId"),
			ConditionID:        f.hash("conditionId"),
			Partition:          f.bigInts("partition"),
			Amount:             f.bigInt("amount"),
		}
	case "PayoutRedemption":
		evt = &event.PayoutRedemption{
			Log:                header,
			Redeemer:           f.address("redeemer"),
			CollateralToken:    f.address("collateralToken"),
			ParentCollectionID: f.hash("parentCollectionId"),
			ConditionID:        f.hash("conditionId"),
			IndexSets:          f.bigInts("indexSets"),
			Payout:             f.bigInt("payout"),
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, ev.Name)
	}

	if f.err != nil {
		return nil, f.err
	}
	return evt, nil
}

// fields reads typed values out of an unpacked log, keeping the first
// type mismatch.
type fields struct {
	values map[string]interface{}
	event  string
	err    error
}

func (f *fields) fail(name string, v interface{}) {
	if f.err == nil {
		f.err = fmt.Errorf("%s.%s: unexpected type %T", f.event, name, v)
	}
}

func (f *fields) hash(name string) string {
	v := f.values[name]
	b, ok := v.([32]byte)
	if !ok {
		f.fail(name, v)
		return ""
	}
	return common.Hash(b).Hex()
}

func (f *fields) address(name string) string {
	v := f.values[name]
	a, ok := v.(common.Address)
	if !ok {
		f.fail(name, v)
		return ""
	}
	return strings.ToLower(a.Hex())
}

func (f *fields) bigInt(name string) *big.Int {
	v := f.values[name]
	n, ok := v.(*big.Int)
	if !ok {
		f.fail(name, v)
		return nil
	}
	return n
}

func (f *fields) bigInts(name string) []*big.Int {
	v := f.values[name]
	n, ok := v.([]*big.Int)
	if !ok {
		f.fail(name, v)
		return nil
	}
	return n
}

// count narrows a uint256 slot count to int. Out-of-range values map to -1
// so Validate rejects them.
func (f *fields) count(name string) int {
	n := f.bigInt(name)
	if n == nil {
		return 0
	}
	if !n.IsInt64() || n.Int64() > int64(event.MaxOutcomeSlots) {
		return -1
	}
	return int(n.Int64())
}
