// Package costs holds the gas cost table charged for host calls, page
// faults and instantiation.
package costs

import (
	"fmt"
	"sort"
)

// Call identifies a chargeable host call.
type Call string

const (
	CallAlloc          Call = "alloc"
	CallFree           Call = "free"
	CallGasAvailable   Call = "gas_available"
	CallValueAvailable Call = "value_available"
	CallBlockHeight    Call = "block_height"
	CallBlockTimestamp Call = "block_timestamp"
	CallMessageID      Call = "msg_id"
	CallProgramID      Call = "program_id"
	CallSource         Call = "source"
	CallValue          Call = "value"
	CallSize           Call = "size"
	CallRead           Call = "read"
	CallSend           Call = "send"
	CallSendInit       Call = "send_init"
	CallSendPush       Call = "send_push"
	CallSendCommit     Call = "send_commit"
	CallReply          Call = "reply"
	CallReplyPush      Call = "reply_push"
	CallReplyCommit    Call = "reply_commit"
	CallReplyTo        Call = "reply_to"
	CallExitCode       Call = "exit_code"
	CallCreateProgram  Call = "create_program"
	CallDebug          Call = "debug"
	CallWait           Call = "wait"
	CallWake           Call = "wake"
	CallExit           Call = "exit"
)

// Cost is a base price plus a price per payload byte.
type Cost struct {
	Base    uint64 `json:"base" yaml:"base" toml:"base"`
	PerByte uint64 `json:"per_byte" yaml:"per_byte" toml:"per_byte"`
}

// For returns the price of a call carrying n bytes.
func (c Cost) For(n uint64) uint64 {
	return c.Base + c.PerByte*n
}

// Table prices one schedule version.
type Table struct {
	// FromHeight is the first block height the table applies to.
	FromHeight uint64 `json:"from_height" yaml:"from_height" toml:"from_height"`

	Instantiation        uint64 `json:"instantiation" yaml:"instantiation" toml:"instantiation"`
	InstantiationPerByte uint64 `json:"instantiation_per_byte" yaml:"instantiation_per_byte" toml:"instantiation_per_byte"`
	// LoadPage is charged on the first read of a native page.
	LoadPage uint64 `json:"load_page" yaml:"load_page" toml:"load_page"`
	// WritePage is charged on the first write of a native page.
	WritePage uint64 `json:"write_page" yaml:"write_page" toml:"write_page"`
	// AllocPerPage is charged for every WASM page claimed by alloc.
	AllocPerPage uint64 `json:"alloc_per_page" yaml:"alloc_per_page" toml:"alloc_per_page"`

	Calls map[Call]Cost `json:"calls" yaml:"calls" toml:"calls"`
}

// Call returns the price of call with n payload bytes. Unknown calls are free.
func (t *Table) Call(call Call, n uint64) uint64 {
	return t.Calls[call].For(n)
}

// Instantiate returns the price of instantiating codeLen bytes of code.
func (t *Table) Instantiate(codeLen int) uint64 {
	return t.Instantiation + t.InstantiationPerByte*uint64(codeLen)
}

// Schedule is the list of cost tables ordered by activation height.
type Schedule struct {
	Tables []Table `json:"tables" yaml:"tables" toml:"tables"`
}

// ForHeight returns the table in force at height.
func (s *Schedule) ForHeight(height uint64) (*Table, error) {
	if len(s.Tables) == 0 {
		return nil, fmt.Errorf("costs: empty schedule")
	}
	i := sort.Search(len(s.Tables), func(i int) bool { return s.Tables[i].FromHeight > height })
	if i == 0 {
		return nil, fmt.Errorf("costs: no table active at height %d", height)
	}
	return &s.Tables[i-1], nil
}

// Validate checks the tables are sorted by strictly increasing height.
func (s *Schedule) Validate() error {
	if len(s.Tables) == 0 {
		return fmt.Errorf("costs: empty schedule")
	}
	if s.Tables[0].FromHeight != 0 {
		return fmt.Errorf("costs: first table must start at height 0, got %d", s.Tables[0].FromHeight)
	}
	for i := 1; i < len(s.Tables); i++ {
		if s.Tables[i].FromHeight <= s.Tables[i-1].FromHeight {
			return fmt.Errorf("costs: table %d height %d not above %d", i, s.Tables[i].FromHeight, s.Tables[i-1].FromHeight)
		}
	}
	return nil
}

// Zero returns a schedule where nothing costs gas.
func Zero() *Schedule {
	return &Schedule{Tables: []Table{{Calls: map[Call]Cost{}}}}
}

// Default returns the schedule used when no configuration overrides it.
func Default() *Schedule {
	calls := map[Call]Cost{
		CallAlloc:          {Base: 1_000},
		CallFree:           {Base: 500},
		CallGasAvailable:   {Base: 100},
		CallValueAvailable: {Base: 100},
		CallBlockHeight:    {Base: 100},
		CallBlockTimestamp: {Base: 100},
		CallMessageID:      {Base: 100},
		CallProgramID:      {Base: 100},
		CallSource:         {Base: 100},
		CallValue:          {Base: 100},
		CallSize:           {Base: 100},
		CallRead:           {Base: 200, PerByte: 1},
		CallSend:           {Base: 2_000, PerByte: 2},
		CallSendInit:       {Base: 500},
		CallSendPush:       {Base: 300, PerByte: 2},
		CallSendCommit:     {Base: 2_000},
		CallReply:          {Base: 2_000, PerByte: 2},
		CallReplyPush:      {Base: 300, PerByte: 2},
		CallReplyCommit:    {Base: 2_000},
		CallReplyTo:        {Base: 100},
		CallExitCode:       {Base: 100},
		CallCreateProgram:  {Base: 5_000, PerByte: 2},
		CallDebug:          {Base: 100, PerByte: 1},
		CallWait:           {Base: 1_000},
		CallWake:           {Base: 1_000},
		CallExit:           {Base: 1_000},
	}
	return &Schedule{Tables: []Table{{
		FromHeight:           0,
		Instantiation:        10_000,
		InstantiationPerByte: 1,
		LoadPage:             3_000,
		WritePage:            4_000,
		AllocPerPage:         2_000,
		Calls:                calls,
	}}}
}
