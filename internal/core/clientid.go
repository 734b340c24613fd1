package core

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Client order ids follow "<strategy_id>-<symbol>-<SIDE>-<level_index>-<sequence>".
// The strategy prefix marks ownership: ids with a foreign prefix are never touched.

type ClientIDCodec struct {
	strategyID string
	symbol     string
	seq        atomic.Int64
}

func NewClientIDCodec(strategyID, symbol string) *ClientIDCodec {
	return &ClientIDCodec{strategyID: strategyID, symbol: symbol}
}

func (c *ClientIDCodec) Prefix() string {
	return c.strategyID + "-" + c.symbol + "-"
}

// Next mints a fresh id for the given side and level.
func (c *ClientIDCodec) Next(side Side, levelIndex int) string {
	n := c.seq.Add(1)
	return fmt.Sprintf("%s%s-%d-%d", c.Prefix(), side, levelIndex, n)
}

// Owns reports whether the id was minted by this strategy instance.
func (c *ClientIDCodec) Owns(clientID string) bool {
	return strings.HasPrefix(clientID, c.Prefix())
}

// Parse recovers the side and level index from an owned id. It fails on ids
// minted by other instances or on malformed suffixes.
func (c *ClientIDCodec) Parse(clientID string) (Side, int, error) {
	if !c.Owns(clientID) {
		return "", 0, fmt.Errorf("%w: client id %q not owned by %q", ErrInvalidInput, clientID, c.strategyID)
	}
	rest := strings.TrimPrefix(clientID, c.Prefix())
	var side Side
	switch {
	case strings.HasPrefix(rest, string(Buy)+"-"):
		side = Buy
		rest = strings.TrimPrefix(rest, string(Buy)+"-")
	case strings.HasPrefix(rest, string(Sell)+"-"):
		side = Sell
		rest = strings.TrimPrefix(rest, string(Sell)+"-")
	default:
		return "", 0, fmt.Errorf("%w: client id %q has no side token", ErrInvalidInput, clientID)
	}
	// The level may be negative, so split on the final separator only.
	cut := strings.LastIndex(rest, "-")
	if cut <= 0 {
		return "", 0, fmt.Errorf("%w: client id %q has no sequence", ErrInvalidInput, clientID)
	}
	level, err := strconv.Atoi(rest[:cut])
	if err != nil {
		return "", 0, fmt.Errorf("%w: client id %q level: %v", ErrInvalidInput, clientID, err)
	}
	if _, err := strconv.ParseInt(rest[cut+1:], 10, 64); err != nil {
		return "", 0, fmt.Errorf("%w: client id %q sequence: %v", ErrInvalidInput, clientID, err)
	}
	return side, level, nil
}
