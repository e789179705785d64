// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package processor

// ChargeResult tells whether a counter could afford a charge.
type ChargeResult bool

const (
	Enough    ChargeResult = true
	NotEnough ChargeResult = false
)

// GasCounter tracks the gas left to a dispatch and the gas it burned.
type GasCounter struct {
	left   uint64
	burned uint64
}

func NewGasCounter(limit uint64) *GasCounter {
	return &GasCounter{left: limit}
}

func (c *GasCounter) Left() uint64   { return c.left }
func (c *GasCounter) Burned() uint64 { return c.burned }

// Charge burns [amount]. When not enough is left, everything left is burned.
func (c *GasCounter) Charge(amount uint64) ChargeResult {
	if amount > c.left {
		c.burned += c.left
		c.left = 0
		return NotEnough
	}
	c.left -= amount
	c.burned += amount
	return Enough
}

// ChargeIfEnough burns [amount] only when it can be afforded.
func (c *GasCounter) ChargeIfEnough(amount uint64) ChargeResult {
	if amount > c.left {
		return NotEnough
	}
	c.left -= amount
	c.burned += amount
	return Enough
}

// Reduce moves [amount] out of the counter without burning it, for gas
// handed to messages and reservations.
func (c *GasCounter) Reduce(amount uint64) ChargeResult {
	if amount > c.left {
		return NotEnough
	}
	c.left -= amount
	return Enough
}

// Increase gives back gas previously reduced.
func (c *GasCounter) Increase(amount uint64) {
	c.left += amount
}

// AllowanceCounter tracks what is left of the block wide gas allowance.
type AllowanceCounter struct {
	left uint64
}

func NewAllowanceCounter(allowance uint64) *AllowanceCounter {
	return &AllowanceCounter{left: allowance}
}

func (c *AllowanceCounter) Left() uint64 { return c.left }

func (c *AllowanceCounter) ChargeIfEnough(amount uint64) ChargeResult {
	if amount > c.left {
		return NotEnough
	}
	c.left -= amount
	return Enough
}

// charge takes up to [amount] and reports whether all of it fit.
func (c *AllowanceCounter) charge(amount uint64) ChargeResult {
	if amount > c.left {
		c.left = 0
		return NotEnough
	}
	c.left -= amount
	return Enough
}

// chargeStatus is the outcome of a combined gas and allowance charge.
type chargeStatus uint8

const (
	charged chargeStatus = iota
	gasExceeded
	allowanceExceeded
)

// counters charge the dispatch gas and the block allowance together. The
// allowance is checked first; an allowance failure charges nothing.
type counters struct {
	gas       *GasCounter
	allowance *AllowanceCounter
}

// chargeIfEnough is used by precharge stages: nothing is charged on failure.
func (c counters) chargeIfEnough(amount uint64) chargeStatus {
	if amount > c.allowance.Left() {
		return allowanceExceeded
	}
	if c.gas.ChargeIfEnough(amount) == NotEnough {
		return gasExceeded
	}
	c.allowance.ChargeIfEnough(amount)
	return charged
}

// charge is used during execution: running out of gas burns everything
// left.
func (c counters) charge(amount uint64) chargeStatus {
	if amount > c.allowance.Left() {
		return allowanceExceeded
	}
	before := c.gas.Left()
	if c.gas.Charge(amount) == NotEnough {
		c.allowance.charge(before)
		return gasExceeded
	}
	c.allowance.charge(amount)
	return charged
}
